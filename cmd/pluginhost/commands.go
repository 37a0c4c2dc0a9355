package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/pluginhost/internal/loader"
)

func buildLoadCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "load [path]",
		Short: "Open a plugin library and report the plugins it contributed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := sharedRuntime(configPath)
			if err != nil {
				return err
			}
			names := l.LoadLibrary(cmd.Context(), args[0])
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "No plugins loaded.")
				return nil
			}
			fmt.Fprintf(out, "Loaded %d plugin(s):\n", len(names))
			for _, name := range names {
				fmt.Fprintf(out, "  - %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every plugin known to this invocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := sharedRuntime(configPath)
			if err != nil {
				return err
			}
			names := l.AllPlugins()
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "No plugins loaded.")
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildLookupCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "lookup [name-or-alias]",
		Short: "Resolve a name or alias to its canonical plugin name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := sharedRuntime(configPath)
			if err != nil {
				return err
			}
			name, lookupErr := l.Lookup(args[0])
			if lookupErr != nil {
				switch e := lookupErr.(type) {
				case *loader.ErrAmbiguous:
					return fmt.Errorf("ambiguous: %q could mean %s", e.Alias, strings.Join(e.Candidates, ", "))
				default:
					return lookupErr
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildInstantiateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "instantiate [name-or-alias]",
		Short: "Construct a plugin instance and report whether it succeeded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := sharedRuntime(configPath)
			if err != nil {
				return err
			}
			h := l.Instantiate(args[0])
			defer h.Release()
			out := cmd.OutOrStdout()
			if h.IsEmpty() {
				fmt.Fprintf(out, "%s: could not be instantiated\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "%s: instantiated\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildForgetCmd() *cobra.Command {
	var (
		configPath string
		byPath     bool
	)
	cmd := &cobra.Command{
		Use:   "forget [path-or-name]",
		Short: "Forget a loaded library (--path) or the library backing a plugin (default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := sharedRuntime(configPath)
			if err != nil {
				return err
			}
			var ok bool
			if byPath {
				ok = l.ForgetLibrary(args[0])
			} else {
				ok = l.ForgetLibraryOfPlugin(args[0])
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintf(out, "%s: not found\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "%s: forgotten\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVar(&byPath, "path", false, "Treat the argument as a library path instead of a plugin name")
	return cmd
}

func buildInterfacesCmd() *cobra.Command {
	var (
		configPath string
		demangled  bool
	)
	cmd := &cobra.Command{
		Use:   "interfaces [iface]",
		Short: "List every known interface, or every plugin implementing one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := sharedRuntime(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, iface := range l.InterfacesImplemented() {
					fmt.Fprintln(out, iface)
				}
				return nil
			}
			for _, name := range l.PluginsImplementing(args[0], demangled) {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVar(&demangled, "demangled", false, "Match against demangled interface names")
	return cmd
}

func buildAliasesCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "aliases [name-or-alias]",
		Short: "List the aliases of a plugin, or every plugin under an alias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := sharedRuntime(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if aliases := l.AliasesOf(args[0]); len(aliases) > 0 {
				for _, a := range aliases {
					fmt.Fprintln(out, a)
				}
				return nil
			}
			for _, name := range l.PluginsWithAlias(args[0]) {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildInfoCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print a human-readable listing of every known plugin",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := sharedRuntime(configPath)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), l.PrettyPrint())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}
