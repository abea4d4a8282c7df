package main

import (
	"fmt"
	"os"

	"github.com/n9te9/fedgraph-router/federation/graph"
	"github.com/n9te9/fedgraph-router/federation/plan"
	"github.com/n9te9/fedgraph-router/federation/planner"
	"github.com/n9te9/fedgraph-router/server"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of Federation Gateway",
	Run: func(cmd *cobra.Command, args []string) {
		println("Federation Gateway v0.0.0-rc")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new Federation Gateway project",
	Run: func(cmd *cobra.Command, args []string) {
		server.Init()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Federation Gateway server",
	Run: func(cmd *cobra.Command, args []string) {
		server.Run()
	},
}

var planSchemaFiles []string
var planCmd = &cobra.Command{
	Use:   "plan [operation-file]",
	Short: "Print the query plan for an operation against a composed supergraph",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runPlan(args[0], planSchemaFiles); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func init() {
	planCmd.Flags().StringArrayVar(&planSchemaFiles, "schema", nil, "subgraph schema file, repeatable (name=path)")
}

func runPlan(operationFile string, schemaArgs []string) error {
	subGraphs := make([]*graph.SubGraphV2, 0, len(schemaArgs))
	for _, arg := range schemaArgs {
		name, path, err := splitNameAndPath(arg)
		if err != nil {
			return err
		}
		sdl, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read schema %q: %w", path, err)
		}
		sg, err := graph.NewSubGraphV2(name, sdl, "")
		if err != nil {
			return fmt.Errorf("parse schema %q: %w", name, err)
		}
		subGraphs = append(subGraphs, sg)
	}

	superGraph, err := graph.NewSuperGraphV2(subGraphs)
	if err != nil {
		return fmt.Errorf("compose supergraph: %w", err)
	}

	opSrc, err := os.ReadFile(operationFile)
	if err != nil {
		return fmt.Errorf("read operation: %w", err)
	}

	l := lexer.New(string(opSrc))
	p := parser.New(l)
	doc := p.ParseDocument()
	if errs := p.Errors(); len(errs) > 0 {
		return fmt.Errorf("parse operation: %v", errs)
	}

	pl := planner.NewPlannerV2(superGraph)
	planV2, err := pl.Plan(doc, nil)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	node := planner.ToPlanTree(planV2)
	fmt.Println(plan.Describe(node, 0))
	return nil
}

func splitNameAndPath(arg string) (name, path string, err error) {
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			return arg[:i], arg[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("invalid --schema value %q, expected name=path", arg)
}

func main() {
	rootCmd := cobra.Command{}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(planCmd)

	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
