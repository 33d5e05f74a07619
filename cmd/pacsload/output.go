package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/ahjolab/pacsload/internal/audit"
	"github.com/ahjolab/pacsload/internal/keyfile"
	"github.com/ahjolab/pacsload/internal/loader"
	"github.com/ahjolab/pacsload/internal/verify"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

// fatal prints the error in the selected output mode and returns the
// process exit code.
func (a *app) fatal(err error) int {
	if a.human {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: ")+err.Error())
		return 1
	}
	out, _ := json.Marshal(map[string]string{"status": "error", "error": err.Error()})
	fmt.Println(string(out))
	return 1
}

// output prints a payload: indented JSON by default, a key/value sheet
// with --human.
func (a *app) output(payload any) {
	if !a.human {
		out, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			fmt.Println(`{"status":"error","error":"encode output"}`)
			return
		}
		fmt.Println(string(out))
		return
	}
	if m, ok := payload.(map[string]any); ok {
		for _, k := range sortedKeys(m) {
			fmt.Printf("%s %v\n", titleStyle.Render(k+":"), m[k])
		}
		return
	}
	out, _ := json.MarshalIndent(payload, "", "  ")
	fmt.Println(string(out))
}

func (a *app) outputLoad(project string, results []loader.Result, report verify.LoadReport) {
	if !a.human {
		a.output(struct {
			Status       string            `json:"status"`
			Project      string            `json:"project"`
			Results      []loader.Result   `json:"results"`
			Verification verify.LoadReport `json:"verification"`
		}{"ok", project, results, report})
		return
	}

	fmt.Println(titleStyle.Render("Load results for " + project))
	for _, r := range results {
		line := fmt.Sprintf("  %-16s %-10s", r.Accession, r.CaseID)
		switch r.Status {
		case "ok":
			line += okStyle.Render("ok") + fmt.Sprintf("  %d series, %d images", r.SeriesCount, r.ImageCount)
		case "skipped":
			line += dimStyle.Render("skipped (" + r.Error + ")")
		case "dry-run":
			line += dimStyle.Render(fmt.Sprintf("dry-run  %d series, %d images", r.SeriesCount, r.ImageCount))
		default:
			line += errStyle.Render(r.Status) + "  " + r.Error
		}
		fmt.Println(line)
	}
	fmt.Println()
	verdict := okStyle.Render("verification ok")
	if !report.OK {
		verdict = errStyle.Render("verification failed")
	}
	fmt.Printf("%s  loaded=%d skipped=%d failed=%d not_found=%d\n",
		verdict, report.Loaded, report.Skipped, report.Failed, report.NotFound)
	for _, w := range report.Warnings {
		fmt.Println("  " + warnStyle.Render("warning: "+w))
	}
}

func (a *app) outputStatus(project string, entries []keyfile.Entry, totalImages int, report verify.ProjectReport) {
	if !a.human {
		type entryJSON struct {
			CaseID      string `json:"case_id"`
			Accession   string `json:"accession"`
			StudyDate   string `json:"study_date"`
			Modality    string `json:"modality"`
			Description string `json:"description"`
			SeriesCount int    `json:"series_count"`
			ImageCount  int    `json:"image_count"`
		}
		out := make([]entryJSON, len(entries))
		for i, e := range entries {
			out[i] = entryJSON{e.CaseID, e.Accession, e.StudyDate, e.Modality, e.Description, e.SeriesCount, e.ImageCount}
		}
		a.output(struct {
			Status      string               `json:"status"`
			Project     string               `json:"project"`
			Exists      bool                 `json:"exists"`
			Cases       int                  `json:"cases"`
			TotalImages int                  `json:"total_images"`
			Entries     []entryJSON          `json:"entries"`
			Outliers    verify.ProjectReport `json:"outliers"`
		}{"ok", project, true, len(entries), totalImages, out, report})
		return
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Project %s: %d case(s), %d image(s)", project, len(entries), totalImages)))
	for _, e := range entries {
		fmt.Printf("  %-10s %-16s %-10s %-4s %3d series %5d images  %s\n",
			e.CaseID, e.Accession, e.StudyDate, e.Modality, e.SeriesCount, e.ImageCount, dimStyle.Render(e.Description))
	}
	fmt.Println()
	if report.Note != "" {
		fmt.Println(dimStyle.Render(report.Note))
	}
	if report.OK {
		fmt.Println(okStyle.Render("no outliers"))
	}
	for _, w := range report.Warnings {
		fmt.Println(warnStyle.Render("warning: " + w))
	}
}

func (a *app) outputAudit(recs []audit.Record) {
	if !a.human {
		a.output(struct {
			Status  string         `json:"status"`
			Entries []audit.Record `json:"entries"`
		}{"ok", recs})
		return
	}

	fmt.Println(titleStyle.Render("Audit log"))
	for _, r := range recs {
		caseID := "-"
		if r.CaseID != nil {
			caseID = *r.CaseID
		}
		line := fmt.Sprintf("  %s  %-8s %-12s %-16s %-10s %-8s",
			r.Timestamp, r.Operator, r.Project, r.Accession, caseID, r.Status)
		if r.Error != nil {
			line += "  " + errStyle.Render(*r.Error)
		}
		fmt.Println(line)
	}
}

func sortedKeys(m map[string]any) []string {
	// Stable order for the human key/value sheet; status first.
	keys := make([]string, 0, len(m))
	if _, ok := m["status"]; ok {
		keys = append(keys, "status")
	}
	for k := range m {
		if k != "status" {
			keys = append(keys, k)
		}
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 1 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
