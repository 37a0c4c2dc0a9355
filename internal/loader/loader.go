// Package loader implements the per-instance Loader: opening libraries,
// resolving names, instantiating plugins, and forgetting them (spec
// §4.2-§4.7). Everything process-wide that a Loader needs -- the
// native/dynamic registration tables, the mode flag, the Archive -- lives
// in pkg/pluginapi and internal/registry; this package is the
// bookkeeping each Loader keeps about the libraries and names it
// personally holds a share of.
package loader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ebitengine/purego"

	"github.com/haasonsaas/pluginhost/internal/handle"
	"github.com/haasonsaas/pluginhost/internal/library"
	"github.com/haasonsaas/pluginhost/internal/metrics"
	"github.com/haasonsaas/pluginhost/internal/observability"
	"github.com/haasonsaas/pluginhost/internal/registry"
	"github.com/haasonsaas/pluginhost/pkg/pluginapi"
)

// EntrySymbol is the well-known export a dynamically loaded library
// must provide to take part in the current registration protocol. The
// host calls it synchronously, immediately after a successful open,
// passing the registration and cleanup callbacks; the library is
// expected to invoke the registration callback once per descriptor it
// knows about before returning. This is a deliberate Go-translation of
// "registration runs during a C++ static initializer at dlopen time":
// purego cannot hook arbitrary static-initializer machinery in an
// opened shared object, so the protocol instead gives the library an
// explicit call it must make its registrations from, preserving the
// same observable invariant -- every registration from one
// load_library call is drained before the load mutex releases.
const EntrySymbol = "PluginEntry"

// loadMutex is the global load mutex of spec §5: at most one
// load_library call runs process-wide at a time, because the dynamic
// registry and the mode flag are process-wide scratch space shared by
// every Loader.
var loadMutex sync.Mutex

// Loader tracks one instance's view of the plugins it has loaded:
// which library each plugin came from, and which names a library
// contributed, so that Forget* and repeated LoadLibrary calls can
// account for this loader's own share of each library independent of
// any other Loader in the process.
type Loader struct {
	mu sync.Mutex

	plugins map[string]*pluginapi.Descriptor // canonical name -> descriptor
	aliases map[string]map[string]struct{}   // alias -> set of canonical names

	pluginToLibrary  map[string]*library.Handle      // canonical name -> this loader's share
	libraryToPlugins map[uintptr]map[string]struct{} // raw handle -> names it contributed
	libraryHandles   map[uintptr]*library.WeakHandle // raw handle -> weak observer, for step 3's reuse check

	archive *registry.Archive
	hook    *registry.Hook
	logger  *observability.Logger
	metrics *metrics.Metrics
}

// New constructs an empty Loader backed by archive (pass
// registry.DefaultArchive for the process-wide mirror, or a fresh
// registry.NewArchive() for test isolation), logger, and m. Either of
// logger or m may be nil; a nil logger falls back to an unconfigured
// default, a nil m simply skips instrumentation.
func New(archive *registry.Archive, logger *observability.Logger, m *metrics.Metrics) *Loader {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Loader{
		plugins:          make(map[string]*pluginapi.Descriptor),
		aliases:          make(map[string]map[string]struct{}),
		pluginToLibrary:  make(map[string]*library.Handle),
		libraryToPlugins: make(map[uintptr]map[string]struct{}),
		libraryHandles:   make(map[uintptr]*library.WeakHandle),
		archive:          archive,
		hook:             registry.NewHook(archive, m),
		logger:           logger,
		metrics:          m,
	}
}

// LoadLibrary implements spec §4.2's load_library. It returns the set
// of canonical plugin names this call made available (possibly already
// known to this loader from a previous call on the same path), or an
// empty slice if the library declared no plugins and is not the origin
// of any native plugin.
func (l *Loader) LoadLibrary(ctx context.Context, path string) []string {
	loadMutex.Lock()
	defer loadMutex.Unlock()

	pluginapi.SetDynamicMode(true)
	pluginapi.ResetRegistrationOkay()
	defer pluginapi.SetDynamicMode(false)

	lib, err := library.Open(path)
	if err != nil {
		l.logger.Warn(ctx, "load_library: open failed", "path", path, "error", err)
		if l.metrics != nil {
			l.metrics.LibraryOpenFailed()
		}
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existingWeak, ok := l.libraryHandles[lib.Raw()]; ok {
		if existing, upgraded := existingWeak.Upgrade(); upgraded {
			lib.Release() // undo the fresh open; existing share already accounts for this raw handle
			lib = existing
		} else {
			l.libraryHandles[lib.Raw()] = lib.Weak()
		}
	} else {
		l.libraryHandles[lib.Raw()] = lib.Weak()
	}

	descs := l.gatherDescriptors(ctx, lib)

	if len(descs) == 0 {
		descs = registry.ProbeNative(lib.Raw())
	}

	if len(descs) == 0 {
		l.logger.Info(ctx, "load_library: library declares no plugins", "path", path)
		if l.metrics != nil {
			l.metrics.LibraryLoadEmpty()
		}
		lib.Release()
		if _, stillTracked := l.libraryToPlugins[lib.Raw()]; !stillTracked {
			delete(l.libraryHandles, lib.Raw())
		}
		return nil
	}

	names := make([]string, 0, len(descs))
	for _, desc := range descs {
		name := desc.Name
		if name == "" {
			name = desc.Symbol
			desc.Name = name
		}
		l.plugins[name] = desc
		for alias := range desc.Aliases {
			if l.aliases[alias] == nil {
				l.aliases[alias] = make(map[string]struct{})
			}
			l.aliases[alias][name] = struct{}{}
		}
		if old, ok := l.pluginToLibrary[name]; ok {
			old.Release() // a repeated load replaces, never adds to, this name's share
		}
		l.pluginToLibrary[name] = lib.Share()
		if l.libraryToPlugins[lib.Raw()] == nil {
			l.libraryToPlugins[lib.Raw()] = make(map[string]struct{})
		}
		l.libraryToPlugins[lib.Raw()][name] = struct{}{}
		names = append(names, name)
	}
	lib.Release() // value fully redistributed as per-name shares above

	if !pluginapi.RegistrationOkay() {
		l.logger.Warn(ctx, "load_library: one or more descriptors failed ABI validation", "path", path)
	}
	if l.metrics != nil {
		l.metrics.LibraryLoaded(path)
	}

	sort.Strings(names)
	return names
}

// gatherDescriptors implements spec §4.2 step 4: reuse from the
// archive if present, otherwise invoke the entry point (or the legacy
// hook) and drain whatever the current load deposited into the dynamic
// registry, then append the result to the archive.
func (l *Loader) gatherDescriptors(ctx context.Context, lib *library.Handle) []*pluginapi.Descriptor {
	if l.archive.Has(lib.Raw()) {
		alive, lapsed := l.archive.Lookup(lib.Raw())
		if lapsed > 0 {
			l.logger.Error(ctx, "load_library: archive entries lapsed; internal bug",
				"path", lib.Path(), "lapsed", lapsed)
		}
		pluginapi.DrainDynamic()
		return alive
	}

	if addr, found := library.Dlsym(lib.Raw(), EntrySymbol); found {
		registerCB := l.hook.Callback(lib.Raw())
		cleanupCB := l.hook.CleanupCallback()
		purego.SyscallN(addr, registerCB, cleanupCB)
	} else if ok, err := registry.ProbeLegacy(lib.Raw(), l.hook); err != nil {
		l.logger.Warn(ctx, "load_library: legacy hook rejected", "path", lib.Path(), "error", err)
	} else if ok {
		l.logger.Info(ctx, "load_library: migrated legacy descriptors", "path", lib.Path())
	}

	drained := pluginapi.DrainDynamic()
	if len(drained) == 0 {
		return nil
	}
	descs := make([]*pluginapi.Descriptor, 0, len(drained))
	for _, d := range drained {
		descs = append(descs, d)
	}
	l.archive.Record(lib.Raw(), descs)
	return descs
}

// ErrAmbiguous is returned by Lookup when name_or_alias resolves to more
// than one canonical plugin name.
type ErrAmbiguous struct {
	Alias      string
	Candidates []string
}

func (e *ErrAmbiguous) Error() string {
	return fmt.Sprintf("loader: alias %q is ambiguous among %s", e.Alias, strings.Join(e.Candidates, ", "))
}

// ErrNotFound is returned by Lookup when name_or_alias resolves to
// nothing.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("loader: %q not found", e.Name)
}

// Lookup implements spec §4.3's name resolution.
func (l *Loader) Lookup(nameOrAlias string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.plugins[nameOrAlias]; ok {
		return nameOrAlias, nil
	}
	if candidates, ok := l.aliases[nameOrAlias]; ok {
		if len(candidates) == 1 {
			for name := range candidates {
				return name, nil
			}
		}
		names := make([]string, 0, len(candidates))
		for name := range candidates {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", &ErrAmbiguous{Alias: nameOrAlias, Candidates: names}
	}
	return "", &ErrNotFound{Name: nameOrAlias}
}

// AllPlugins returns every canonical plugin name this loader knows
// about, in lexicographic order.
func (l *Loader) AllPlugins() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.plugins))
	for name := range l.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InterfacesImplemented returns the union of every interface identity
// declared by any plugin this loader knows about.
func (l *Loader) InterfacesImplemented() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{})
	for _, desc := range l.plugins {
		for iface := range desc.Interfaces {
			seen[iface] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for iface := range seen {
		out = append(out, iface)
	}
	sort.Strings(out)
	return out
}

// PluginsImplementing scans every known descriptor for one that
// declares iface, returning canonical names in lexicographic order. If
// demangled is true, iface is matched against DemangledInterfaces
// instead of Interfaces.
func (l *Loader) PluginsImplementing(iface string, demangled bool) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var names []string
	for name, desc := range l.plugins {
		if demangled {
			for _, d := range desc.DemangledInterfaces {
				if d == iface {
					names = append(names, name)
					break
				}
			}
			continue
		}
		if _, ok := desc.Interfaces[iface]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// PluginsWithAlias returns every canonical name registered under alias,
// plus alias itself if it also happens to be a plugin's own canonical
// name (spec §4.3).
func (l *Loader) PluginsWithAlias(alias string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{})
	for name := range l.aliases[alias] {
		seen[name] = struct{}{}
	}
	if _, ok := l.plugins[alias]; ok {
		seen[alias] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AliasesOf returns every alias registered against name's descriptor.
func (l *Loader) AliasesOf(name string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	desc, ok := l.plugins[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(desc.Aliases))
	for alias := range desc.Aliases {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Instantiate implements spec §4.4. A name_or_alias that fails to
// resolve, or that maps to a descriptor whose factory/deleter pair is
// nil, yields an empty handle -- not an error -- matching the "unknown
// name is the normal polling case" entry of spec §4.8's failure table.
func (l *Loader) Instantiate(nameOrAlias string) handle.Handle {
	name, err := l.Lookup(nameOrAlias)
	if err != nil {
		return handle.Handle{}
	}

	l.mu.Lock()
	desc, ok := l.plugins[name]
	lib, libOK := l.pluginToLibrary[name]
	l.mu.Unlock()
	if !ok || !libOK {
		return handle.Handle{}
	}

	h := handle.New(desc, lib, l.metrics)
	if !h.IsEmpty() && l.metrics != nil {
		l.metrics.PluginInstantiated()
	}
	return h
}

// ForgetLibrary implements spec §4.5's forget_library(path): it forgets
// every plugin this loader currently attributes to the library it has
// open at path. It reports false if this loader has no such library
// open.
func (l *Loader) ForgetLibrary(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var raw uintptr
	var found bool
	for rawHandle, names := range l.libraryToPlugins {
		for name := range names {
			if lib, ok := l.pluginToLibrary[name]; ok && lib.Path() == path {
				raw, found = rawHandle, true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		if l.metrics != nil {
			l.metrics.Forgotten(false)
		}
		return false
	}
	l.forgetRawLocked(raw)
	if l.metrics != nil {
		l.metrics.Forgotten(true)
	}
	return true
}

// ForgetLibraryOfPlugin implements spec §4.5's forget_library_of_plugin:
// it forgets the entire library backing name, not just name itself,
// since a library's plugins share one library-handle share and teardown
// operates per-library.
func (l *Loader) ForgetLibraryOfPlugin(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lib, ok := l.pluginToLibrary[name]
	if !ok {
		if l.metrics != nil {
			l.metrics.Forgotten(false)
		}
		return false
	}
	l.forgetRawLocked(lib.Raw())
	if l.metrics != nil {
		l.metrics.Forgotten(true)
	}
	return true
}

// forgetRawLocked erases every name this loader attributes to raw from
// plugins and aliases, drops this loader's library-handle shares, and
// removes the library_to_plugins entry. Descriptors (held only by value
// in l.plugins, never referencing the library handle themselves) are
// dropped before the library-handle shares that back them, satisfying
// spec §4.5's non-negotiable teardown order: the caller must hold l.mu.
func (l *Loader) forgetRawLocked(raw uintptr) {
	names := l.libraryToPlugins[raw]
	for name := range names {
		delete(l.plugins, name)
		for alias, candidates := range l.aliases {
			delete(candidates, name)
			if len(candidates) == 0 {
				delete(l.aliases, alias)
			}
		}
		if lib, ok := l.pluginToLibrary[name]; ok {
			delete(l.pluginToLibrary, name)
			lib.Release()
		}
	}
	delete(l.libraryToPlugins, raw)
	delete(l.libraryHandles, raw)
}

// PrettyPrint renders every plugin this loader knows about as a
// human-readable listing, for CLI and diagnostic use.
func (l *Loader) PrettyPrint() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.plugins))
	for name := range l.plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		desc := l.plugins[name]
		fmt.Fprintf(&b, "%s (symbol=%s)\n", name, desc.Symbol)
		if len(desc.Aliases) > 0 {
			aliases := make([]string, 0, len(desc.Aliases))
			for a := range desc.Aliases {
				aliases = append(aliases, a)
			}
			sort.Strings(aliases)
			fmt.Fprintf(&b, "  aliases: %s\n", strings.Join(aliases, ", "))
		}
		if len(desc.Interfaces) > 0 {
			ifaces := make([]string, 0, len(desc.Interfaces))
			for i := range desc.Interfaces {
				ifaces = append(ifaces, i)
			}
			sort.Strings(ifaces)
			fmt.Fprintf(&b, "  interfaces: %s\n", strings.Join(ifaces, ", "))
		}
	}
	return b.String()
}
