// Package verify runs post-load sanity checks: per-run outcome counting
// and project-wide outlier detection over the key file. All functions
// are pure; callers decide what to do with the warnings.
package verify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ahjolab/pacsload/internal/keyfile"
)

// Outcome is the slice of a load result the verifier needs. The loader
// converts its results to this form.
type Outcome struct {
	Accession  string
	CaseID     string
	Status     string
	Error      string
	ImageCount int
}

// LoadReport is the result of VerifyLoad, embedded in load.json.
type LoadReport struct {
	OK             bool     `json:"ok"`
	TotalRequested int      `json:"total_requested"`
	Loaded         int      `json:"loaded"`
	Skipped        int      `json:"skipped"`
	Failed         int      `json:"failed"`
	NotFound       int      `json:"not_found"`
	Warnings       []string `json:"warnings"`
}

// ProjectReport is the result of VerifyProject.
type ProjectReport struct {
	OK           bool     `json:"ok"`
	Note         string   `json:"note,omitempty"`
	MedianSeries float64  `json:"median_series,omitempty"`
	MedianImages float64  `json:"median_images,omitempty"`
	Warnings     []string `json:"warnings"`
}

// VerifyLoad counts outcomes and flags loads with unusual image counts.
// Dry-run results are counted in the total but are neither success nor
// failure.
func VerifyLoad(results []Outcome) LoadReport {
	rep := LoadReport{TotalRequested: len(results), Warnings: []string{}}
	for _, r := range results {
		switch r.Status {
		case "ok":
			rep.Loaded++
			if r.ImageCount < 5 {
				rep.Warnings = append(rep.Warnings,
					fmt.Sprintf("%s (%s): only %d images (unusually low)", r.Accession, r.CaseID, r.ImageCount))
			} else if r.ImageCount > 5000 {
				rep.Warnings = append(rep.Warnings,
					fmt.Sprintf("%s (%s): %d images (unusually high)", r.Accession, r.CaseID, r.ImageCount))
			}
		case "skipped":
			rep.Skipped++
		case "dry-run":
		case "error":
			if strings.Contains(r.Error, "not found") {
				rep.NotFound++
			} else {
				rep.Failed++
			}
		}
	}
	rep.OK = rep.Failed == 0 && rep.NotFound == 0 && len(rep.Warnings) == 0
	return rep
}

// VerifyProject compares the cases of one project against each other.
// Outliers in series count, image count, or modality get a warning; a
// project with fewer than three cases has nothing to compare against.
func VerifyProject(entries []keyfile.Entry) ProjectReport {
	if len(entries) < 3 {
		return ProjectReport{OK: true, Note: "too few cases to compare", Warnings: []string{}}
	}

	series := make([]int, len(entries))
	images := make([]int, len(entries))
	modalities := map[string]int{}
	for i, e := range entries {
		series[i] = e.SeriesCount
		images[i] = e.ImageCount
		modalities[e.Modality]++
	}
	medSeries := median(series)
	medImages := median(images)
	majority := majorityKey(modalities)

	rep := ProjectReport{MedianSeries: medSeries, MedianImages: medImages, Warnings: []string{}}
	for _, e := range entries {
		if medSeries > 0 && float64(e.SeriesCount) < medSeries/2 {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("%s: %d series vs median %.0f (possibly incomplete study)", e.CaseID, e.SeriesCount, medSeries))
		}
		if medSeries > 0 && float64(e.SeriesCount) > medSeries*2 {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("%s: %d series vs median %.0f (unusually many series)", e.CaseID, e.SeriesCount, medSeries))
		}
		if medImages > 0 && float64(e.ImageCount) < medImages/3 {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("%s: %d images vs median %.0f (much fewer than others)", e.CaseID, e.ImageCount, medImages))
		}
		if medImages > 0 && float64(e.ImageCount) > medImages*3 {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("%s: %d images vs median %.0f (much more than others)", e.CaseID, e.ImageCount, medImages))
		}
		if e.Modality != majority {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("%s: modality %s differs from majority %s", e.CaseID, e.Modality, majority))
		}
	}
	rep.OK = len(rep.Warnings) == 0
	return rep
}

func median(values []int) float64 {
	s := append([]int(nil), values...)
	sort.Ints(s)
	n := len(s)
	if n%2 == 1 {
		return float64(s[n/2])
	}
	return float64(s[n/2-1]+s[n/2]) / 2
}

// majorityKey returns the most common key, breaking ties towards the
// lexically smaller one so the result is deterministic.
func majorityKey(counts map[string]int) string {
	best, bestN := "", -1
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}
