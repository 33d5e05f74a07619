package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahjolab/pacsload/internal/audit"
	"github.com/ahjolab/pacsload/internal/config"
	"github.com/ahjolab/pacsload/internal/keyfile"
	"github.com/ahjolab/pacsload/internal/loader"
	"github.com/ahjolab/pacsload/internal/pacs"
	"github.com/ahjolab/pacsload/internal/scp"
	"github.com/ahjolab/pacsload/internal/verify"
)

// version is set at build time via -ldflags
var version = "dev"

const usageText = `pacsload %s - PID-safe research image loader for hospital PACS

Usage:
  pacsload echo                                  test PACS connection (C-ECHO)
  pacsload query ACCESSION                       query an accession (C-FIND)
  pacsload load PROJECT [ACCESSION ...]          load studies from PACS
  pacsload load --file accessions.txt PROJECT
  pacsload status PROJECT                        project key file + verification
  pacsload audit [--all] [--last N] [PROJECT]    view the audit log

Flags go between the command and its arguments.
  pacsload init                                  interactive config setup

Global flags:
  --config PATH   config file (default %s)
  --human         human-readable output (default JSON)
  -v, --verbose   debug logging
`

func main() {
	os.Exit(run(os.Args[1:]))
}

type app struct {
	cfg   *config.Config
	log   *logrus.Logger
	human bool
}

func run(args []string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		fmt.Fprintf(os.Stderr, usageText, version, config.DefaultPath())
		if len(args) == 0 {
			return 1
		}
		return 0
	}

	// The first non-flag argument selects the command, flags follow it.
	command := args[0]
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to YAML config file")
	human := fs.Bool("human", false, "human-readable output (default: JSON)")
	verbose := fs.Bool("verbose", false, "verbose logging")
	fs.BoolVar(verbose, "v", false, "verbose logging (shortcut)")

	var accessionFile string
	var dryRun, allProjects bool
	var lastN int
	switch command {
	case "load":
		fs.StringVar(&accessionFile, "file", "", "file with accession numbers, one per line")
		fs.BoolVar(&dryRun, "dry-run", false, "query only, don't retrieve images")
	case "audit":
		fs.BoolVar(&allProjects, "all", false, "show all projects")
		fs.IntVar(&lastN, "last", 20, "number of entries to show")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: false, FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	a := &app{log: log, human: *human}

	if command == "init" {
		return a.cmdInit(*configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return a.fatal(err)
	}
	a.cfg = cfg

	switch command {
	case "echo":
		return a.cmdEcho()
	case "query":
		if fs.NArg() != 1 {
			return a.fatal(fmt.Errorf("usage: pacsload query ACCESSION"))
		}
		return a.cmdQuery(fs.Arg(0))
	case "load":
		if fs.NArg() < 1 {
			return a.fatal(fmt.Errorf("usage: pacsload load PROJECT [ACCESSION ...]"))
		}
		return a.cmdLoad(fs.Arg(0), fs.Args()[1:], accessionFile, dryRun)
	case "status":
		if fs.NArg() != 1 {
			return a.fatal(fmt.Errorf("usage: pacsload status PROJECT"))
		}
		return a.cmdStatus(fs.Arg(0))
	case "audit":
		project := ""
		if fs.NArg() > 0 {
			project = fs.Arg(0)
		}
		if project == "" && !allProjects {
			return a.fatal(fmt.Errorf("specify a project name or use --all"))
		}
		if allProjects {
			project = ""
		}
		return a.cmdAudit(project, lastN)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		fmt.Fprintf(os.Stderr, usageText, version, config.DefaultPath())
		return 1
	}
}

func (a *app) client() *pacs.Client {
	return &pacs.Client{
		Addr:      a.cfg.PACSAddr(),
		CallingAE: a.cfg.SCP.AETitle,
		CalledAE:  a.cfg.PACS.AETitle,
		Log:       a.log,
	}
}

func (a *app) cmdEcho() int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := a.client().Echo(ctx)
	status, echoResult := "ok", "success"
	if err != nil {
		a.log.Errorf("c-echo: %v", err)
		status, echoResult = "error", "failed"
	}
	a.output(map[string]any{
		"status":   status,
		"pacs":     a.cfg.PACSAddr(),
		"ae_title": a.cfg.PACS.AETitle,
		"echo":     echoResult,
	})
	if err != nil {
		return 1
	}
	return 0
}

func (a *app) cmdQuery(accession string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	studies, err := a.client().FindByAccession(ctx, accession)
	if err != nil {
		return a.fatal(err)
	}
	a.output(map[string]any{
		"status":    "ok",
		"accession": accession,
		"results":   studies,
	})
	return 0
}

func (a *app) cmdLoad(project string, accessions []string, accessionFile string, dryRun bool) int {
	if accessionFile != "" {
		fromFile, err := readAccessionFile(accessionFile)
		if err != nil {
			return a.fatal(err)
		}
		accessions = append(accessions, fromFile...)
	}
	if len(accessions) == 0 {
		return a.fatal(fmt.Errorf("no accession numbers provided"))
	}

	// Dry runs are audited like real loads; the status column tells
	// them apart.
	auditLog, err := audit.Open(a.cfg.AuditPath())
	if err != nil {
		a.log.Warnf("audit log unavailable: %v", err)
		auditLog = nil
	} else {
		defer auditLog.Close()
	}

	l := &loader.Loader{
		Archive:    a.client(),
		MoveDestAE: a.cfg.SCP.AETitle,
		BaseDir:    a.cfg.Output.BaseDir,
		Audit:      auditLog,
		Log:        a.log,
		NewReceiver: func(projectDir, caseID string) loader.StoreReceiver {
			return &scp.Receiver{
				Port:       a.cfg.SCP.Port,
				AETitle:    a.cfg.SCP.AETitle,
				ProjectDir: projectDir,
				CaseID:     caseID,
				Log:        a.log,
			}
		},
	}

	results, report, err := l.LoadAccessions(context.Background(), project, accessions, dryRun)
	if err != nil {
		return a.fatal(err)
	}
	// Per-accession failures and verification warnings live in the
	// results and the report; only a fatal error changes the exit code.
	a.outputLoad(project, results, report)
	return 0
}

func (a *app) cmdStatus(project string) int {
	projectDir := a.cfg.ProjectDir(project)
	if _, err := os.Stat(projectDir); os.IsNotExist(err) {
		a.output(map[string]any{
			"status":  "ok",
			"project": project,
			"exists":  false,
			"cases":   0,
		})
		return 0
	}

	entries, err := keyfile.Read(projectDir + "/" + keyfile.Name)
	if err != nil {
		return a.fatal(err)
	}
	totalImages := 0
	for _, e := range entries {
		totalImages += e.ImageCount
	}
	a.outputStatus(project, entries, totalImages, verify.VerifyProject(entries))
	return 0
}

func (a *app) cmdAudit(project string, lastN int) int {
	log, err := audit.Open(a.cfg.AuditPath())
	if err != nil {
		return a.fatal(err)
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	recs, err := log.Query(ctx, project, lastN)
	if err != nil {
		return a.fatal(err)
	}
	a.outputAudit(recs)
	return 0
}

// readAccessionFile reads accessions one per line, skipping blanks and
// # comments.
func readAccessionFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("accession file: %w", err)
	}
	defer f.Close()

	var accessions []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		accessions = append(accessions, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read accession file: %w", err)
	}
	return accessions, nil
}
