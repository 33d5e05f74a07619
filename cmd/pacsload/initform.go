package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"

	"github.com/ahjolab/pacsload/internal/config"
)

// cmdInit runs the interactive config setup and writes the YAML file.
// Non-interactive environments hand-write the file instead; nothing
// else depends on this command.
func (a *app) cmdInit(path string) int {
	var cfg config.Config
	cfg.SCP.AETitle = "AHJO-loader"
	cfg.Output.BaseDir = "/data/research"

	pacsPortStr := "104"
	scpPortStr := "9012"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Key("pacs_host").
				Title("PACS host").
				Placeholder("pacs.example.org").
				Value(&cfg.PACS.Host).
				Validate(requireValue("PACS host")),

			huh.NewInput().
				Key("pacs_port").
				Title("PACS port").
				Value(&pacsPortStr).
				Validate(validatePort),

			huh.NewInput().
				Key("pacs_ae").
				Title("PACS AE title").
				Placeholder("ARCHIVE").
				Value(&cfg.PACS.AETitle).
				Validate(validateAETitle),
		),
		huh.NewGroup(
			huh.NewInput().
				Key("scp_ae").
				Title("Receiver AE title").
				Value(&cfg.SCP.AETitle).
				Validate(validateAETitle),

			huh.NewInput().
				Key("scp_port").
				Title("Receiver port").
				Value(&scpPortStr).
				Validate(validatePort),

			huh.NewInput().
				Key("base_dir").
				Title("Output base directory").
				Value(&cfg.Output.BaseDir).
				Validate(requireValue("base directory")),
		),
	).WithShowErrors(true)

	if err := form.Run(); err != nil {
		return a.fatal(fmt.Errorf("init cancelled: %w", err))
	}

	cfg.PACS.Port, _ = strconv.Atoi(pacsPortStr)
	cfg.SCP.Port, _ = strconv.Atoi(scpPortStr)

	if err := cfg.Write(path); err != nil {
		return a.fatal(err)
	}
	fmt.Println(okStyle.Render("wrote ") + path)
	return 0
}

func requireValue(name string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("must be 1-65535")
	}
	return nil
}

func validateAETitle(s string) error {
	if s == "" {
		return fmt.Errorf("AE title is required")
	}
	if len(s) > 16 {
		return fmt.Errorf("AE titles are at most 16 characters")
	}
	return nil
}
