package main

import (
	"github.com/spf13/cobra"
)

var fontsCmd = &cobra.Command{
	Use:   "fonts",
	Short: "List installed fonts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine(cmd.Context())
		if err != nil {
			return outputError(cmd, "fonts", err)
		}
		defer engine.Close()

		infos, err := engine.Fonts()
		if err != nil {
			return outputError(cmd, "fonts", err)
		}
		results := make([]CLIFont, 0, len(infos))
		for _, f := range infos {
			results = append(results, CLIFont{
				Family:   f.Family,
				Style:    f.Style,
				Weight:   f.Weight,
				Provider: f.Provider,
				Path:     f.Path,
			})
		}
		return outputResult(cmd, CLIResult{Command: "fonts", Results: results})
	},
}

var packagesCmd = &cobra.Command{
	Use:   "packages [namespace]",
	Short: "List packages available in a namespace",
	Long:  "Lists the packages every configured provider offers in namespace (default local).",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace := "local"
		if len(args) > 0 {
			namespace = args[0]
		}
		engine, err := openEngine(cmd.Context())
		if err != nil {
			return outputError(cmd, "packages", err)
		}
		defer engine.Close()

		specs, err := engine.Packages(cmd.Context(), namespace)
		if err != nil {
			return outputError(cmd, "packages", err)
		}
		results := make([]CLIPackage, 0, len(specs))
		for _, s := range specs {
			results = append(results, CLIPackage{Namespace: s.Namespace, Name: s.Name, Version: s.Version, Spec: s.String()})
		}
		return outputResult(cmd, CLIResult{Command: "packages", Results: results})
	},
}
