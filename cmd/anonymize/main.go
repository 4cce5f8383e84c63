// Package main provides a command line tool that anonymizes one report
// from a file or stdin without any backend services.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/openredact/clinical/internal/config"
	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/ner"
	"github.com/openredact/clinical/internal/pii"
	"github.com/openredact/clinical/internal/service"
	"github.com/openredact/clinical/internal/storage/memory"
	"github.com/openredact/clinical/pkg/logger"
)

const cliTemplateID = "cli"

type options struct {
	in         string
	blacklist  string
	whitelist  string
	template   string
	configPath string
	json       bool
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("anonymize", flag.ContinueOnError)
	opts := &options{}
	fs.StringVar(&opts.in, "in", "", "Input file (default stdin)")
	fs.StringVar(&opts.blacklist, "blacklist", "", "File with terms that are always anonymized, one per line")
	fs.StringVar(&opts.whitelist, "whitelist", "", "File with terms that are never anonymized, one per line")
	fs.StringVar(&opts.template, "template", "", "YAML template file")
	fs.StringVar(&opts.configPath, "config", "", "Optional YAML config file")
	fs.BoolVar(&opts.json, "json", false, "Print the full result as JSON")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg := config.Default()
	if opts.configPath != "" {
		if cfg, err = config.Load(opts.configPath); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	// stdout carries the result
	logConfig := cfg.Logging
	logConfig.Output = "stderr"
	if opts.configPath == "" {
		logConfig.Level = "warn"
		logConfig.Encoding = "console"
	}
	zapLogger, err := logger.New(logConfig)
	if err != nil {
		panic(err)
	}
	defer zapLogger.Sync()

	var in io.Reader = os.Stdin
	if opts.in != "" {
		f, err := os.Open(opts.in)
		if err != nil {
			zapLogger.Fatal("Failed to open input", zap.Error(err))
		}
		defer f.Close()
		in = f
	}

	if err := run(context.Background(), cfg, opts, in, os.Stdout, zapLogger); err != nil {
		fmt.Fprintf(os.Stderr, "anonymize: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts *options, in io.Reader, out io.Writer, log *zap.Logger) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	blacklist := memory.NewListStore(cfg.Limits.Limits)
	whitelist := memory.NewListStore(cfg.Limits.Limits)
	templates := memory.NewTemplateStore(cfg.Limits.Limits)

	if err := loadTerms(ctx, opts.blacklist, blacklist); err != nil {
		return fmt.Errorf("blacklist: %w", err)
	}
	if err := loadTerms(ctx, opts.whitelist, whitelist); err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}

	templateID := ""
	if opts.template != "" {
		tmpl, err := readTemplate(opts.template)
		if err != nil {
			return err
		}
		if err := templates.Save(ctx, cliTemplateID, tmpl); err != nil {
			return fmt.Errorf("template: %w", err)
		}
		templateID = cliTemplateID
	}

	sources, err := ner.FromConfig(cfg.NER.Sources, log)
	if err != nil {
		return err
	}
	detector, err := pii.NewDetector(cfg.Detector)
	if err != nil {
		return fmt.Errorf("invalid detector config: %w", err)
	}

	svc, err := service.New(ctx, service.Config{
		Detector:     detector,
		Sources:      sources,
		Blacklist:    blacklist,
		Whitelist:    whitelist,
		Templates:    templates,
		Default:      cfg.Defaults.Mechanism,
		MaxTextRunes: cfg.Limits.MaxTextRunes,
		Channel:      service.ChannelCLI,
		Pool:         cfg.Pipeline,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.Anonymize(ctx, string(data), templateID)
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	_, err = io.WriteString(out, result.AnonymizedText)
	return err
}

// loadTerms fills store from a file with one term per line. Blank lines and
// lines starting with # are skipped.
func loadTerms(ctx context.Context, path string, store *memory.ListStore) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var terms []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return store.Replace(ctx, terms)
}

func readTemplate(path string) (*models.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	var tmpl models.Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return &tmpl, nil
}
