// cellrun executes notebook cells against a local data root without a
// server. Each file argument is one cell; .sql files run as SQL, anything
// else as JavaScript.
//
//	cellrun -root ./data -e "SELECT * FROM 'sales.csv'" -lang sql
//	cellrun -root ./data prep.js report.sql
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/internal/config"
	"github.com/fruitsalade/cellbridge/internal/controller"
	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/worker"
	"github.com/fruitsalade/cellbridge/pkg/models"
	"github.com/fruitsalade/cellbridge/pkg/protocol"
)

type cell struct {
	name   string
	lang   string
	source string
}

func main() {
	configPath := flag.String("config", "", "Path to a TOML config file")
	root := flag.String("root", "", "Local data root (overrides local.root_path)")
	source := flag.String("e", "", "Run this cell source")
	lang := flag.String("lang", protocol.LangJS, "Language of -e: js or sql")
	view := flag.String("view", "", "Materialize SQL results of -e as this view")
	introspect := flag.String("introspect", "", "After running, print tables, functions or variables")
	figureDir := flag.String("figures", ".", "Directory for rendered figures")
	asJSON := flag.Bool("json", false, "Print results as JSON")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}
	if *root != "" {
		cfg.Local.RootPath = *root
		cfg.Local.InMemory = false
	}

	if err := logging.Init(logging.Config{Level: "warn", Format: "console", OutputPath: "stderr"}); err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		os.Exit(2)
	}
	defer logging.Sync()
	if *verbose {
		logging.SetLevel("debug")
	}

	var cells []cell
	if *source != "" {
		cells = append(cells, cell{name: "-e", lang: *lang, source: *source})
	}
	for _, p := range flag.Args() {
		data, err := os.ReadFile(p)
		if err != nil {
			logging.Fatal("read cell", zap.String("path", p), zap.Error(err))
		}
		l := protocol.LangJS
		if strings.EqualFold(filepath.Ext(p), ".sql") {
			l = protocol.LangSQL
		}
		cells = append(cells, cell{name: p, lang: l, source: string(data)})
	}
	if len(cells) == 0 && *introspect == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	ctrl := controller.New(worker.FromConfig(cfg))
	defer ctrl.Dispose()

	if err := ctrl.Init(ctx); err != nil {
		logging.Fatal("init failed", zap.Error(err))
	}

	failed := false
	for i, c := range cells {
		viewName := ""
		if c.name == "-e" {
			viewName = *view
		}
		res, err := ctrl.RunCode(ctx, c.lang, c.source, viewName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", c.name, err)
			failed = true
			continue
		}
		if res.Error != "" {
			failed = true
		}
		if res.ImageBytes != nil {
			out := filepath.Join(*figureDir, fmt.Sprintf("figure-%d.png", i+1))
			if err := os.WriteFile(out, res.ImageBytes, 0644); err != nil {
				logging.Error("write figure", zap.String("path", out), zap.Error(err))
			} else {
				fmt.Fprintf(os.Stderr, "%s: figure written to %s\n", c.name, out)
			}
			res.ImageBytes = nil
		}
		if *asJSON {
			printJSON(res)
			continue
		}
		printResult(c.name, res)
	}

	if *introspect != "" {
		info, err := ctrl.Introspect(ctx, *introspect)
		if err != nil {
			logging.Fatal("introspect failed", zap.Error(err))
		}
		printJSON(info)
	}

	if failed {
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logging.Error("encode result", zap.Error(err))
	}
}

func printResult(name string, res *models.ExecutionResult) {
	os.Stdout.WriteString(res.Stdout)
	os.Stderr.WriteString(res.Stderr)
	if res.Error != "" {
		fmt.Fprintf(os.Stderr, "%s: %s\n", name, res.Error)
	}
	if res.Columns != nil {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(res.Columns, "\t"))
		for _, row := range res.ResultRows {
			vals := make([]string, len(res.Columns))
			for i, col := range res.Columns {
				if v := row[col]; v != nil {
					vals[i] = fmt.Sprint(v)
				} else {
					vals[i] = "NULL"
				}
			}
			fmt.Fprintln(tw, strings.Join(vals, "\t"))
		}
		tw.Flush()
		if res.TotalRowCount != nil && *res.TotalRowCount > int64(len(res.ResultRows)) {
			fmt.Printf("(%d of %d rows)\n", len(res.ResultRows), *res.TotalRowCount)
		}
	}
	if res.Value != "" {
		fmt.Println(res.Value)
	}
}
