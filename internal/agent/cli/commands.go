package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/haztrack/surveysync/internal/agent/models"
)

// login records the organization and installs the API token. Capture works
// without it; delivery waits until a valid token is present.
func (a *App) login(ctx context.Context) {
	orgID, err := GetSimpleText(a.reader, "Enter organization ID", a.out)
	if err != nil || orgID == "" {
		fmt.Fprintln(a.out, "Login skipped; captured data will sync after login.")
		return
	}

	token, err := GetToken(a.out)
	if err != nil {
		fmt.Fprintln(a.out, "Failed to read token:", err)
		return
	}

	a.orgID = orgID
	if token != "" && a.tokens != nil {
		a.tokens.SetToken(token)
		a.orch.RequestSubmit(ctx, "")
	}
}

func (a *App) newSurvey(ctx context.Context) {
	customerID, err := GetSimpleText(a.reader, "Customer ID (optional)", a.out)
	if err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}

	s, err := a.service.CreateSurvey(ctx, a.orgID, customerID)
	if err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}
	fmt.Fprintln(a.out, "Created survey", s.ID)
}

// list shows the org's surveys; "list recent" narrows to the last day's
// work, which is usually what a technician wants at the end of a shift.
func (a *App) list(ctx context.Context, args []string) {
	var surveys []models.OfflineSurvey
	var err error
	if len(args) > 0 && args[0] == "recent" {
		surveys, err = a.service.ListRecentSurveys(ctx, time.Now().UTC().Add(-24*time.Hour))
	} else {
		surveys, err = a.service.ListSurveys(ctx, a.orgID)
	}
	if err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}
	if len(surveys) == 0 {
		fmt.Fprintln(a.out, "No surveys yet.")
		return
	}
	for _, s := range surveys {
		fmt.Fprintf(a.out, "%s  %-8s  %s  customer=%s\n",
			s.ID, s.Status, s.UpdatedAt.Format("2006-01-02 15:04"), s.CustomerID)
	}
}

func (a *App) show(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(a.out, "Usage: show <id>")
		return
	}

	s, err := a.service.GetSurvey(ctx, args[0])
	if err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}

	fmt.Fprintf(a.out, "Survey %s (%s)\n", s.ID, s.Status)
	if s.LastError != "" {
		fmt.Fprintln(a.out, "  last error:", s.LastError)
	}
	for name, payload := range s.Sections {
		marker := " "
		if name == s.ActiveSection {
			marker = "*"
		}
		fmt.Fprintf(a.out, " %s %s: %s\n", marker, name, string(payload))
	}

	photos, err := a.service.ListPhotos(ctx, s.ID)
	if err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}
	for _, p := range photos {
		fmt.Fprintf(a.out, "   photo %s  %-9s  %s %s\n", p.ID, p.Status, p.Category, p.Caption)
	}
}

func (a *App) edit(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(a.out, "Usage: edit <id> <section>")
		return
	}
	surveyID, section := args[0], args[1]

	body, err := GetMultiline(a.reader, "Section JSON", a.out)
	if err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}

	if err := a.service.SaveSection(ctx, surveyID, section, json.RawMessage(body)); err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}
	fmt.Fprintln(a.out, "Saved.")
}

func (a *App) photo(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(a.out, "Usage: photo <survey-id> <file>")
		return
	}
	surveyID, path := args[0], args[1]

	blob, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}

	category, _ := GetSimpleText(a.reader, "Category", a.out)
	location, _ := GetSimpleText(a.reader, "Location", a.out)
	caption, _ := GetSimpleText(a.reader, "Caption", a.out)

	p, err := a.service.AttachPhoto(ctx, surveyID, category, location, caption, blob)
	if err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}
	fmt.Fprintln(a.out, "Attached photo", p.ID)
}

func (a *App) deletePhoto(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(a.out, "Usage: delphoto <photo-id>")
		return
	}
	if err := a.service.DeletePhoto(ctx, args[0]); err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}
	fmt.Fprintln(a.out, "Deleted.")
}

func (a *App) deleteSurvey(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(a.out, "Usage: del <id>")
		return
	}
	if err := a.service.DeleteSurvey(ctx, args[0]); err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}
	fmt.Fprintln(a.out, "Deleted.")
}

// submit drains the queue; with a survey ID it also lifts that survey's
// backoff wait so the explicit submit starts right away.
func (a *App) submit(ctx context.Context, args []string) {
	surveyID := ""
	if len(args) > 0 {
		surveyID = args[0]
	}
	a.orch.RequestSubmit(ctx, surveyID)
	fmt.Fprintln(a.out, "Sync requested.")
}

func (a *App) status(ctx context.Context) {
	st, err := a.orch.Status(ctx)
	if err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}
	fmt.Fprintf(a.out, "Pending: %d  Failed: %d  Connectivity: %s\n",
		st.Pending, len(st.Failed), a.watcher.Mode())
	for _, item := range st.Failed {
		fmt.Fprintf(a.out, "  %s  %s/%s %s  after %d attempts: %s\n",
			item.ID, item.Kind, item.Op, item.ResourceID, item.RetryCount, item.LastError)
	}
}

func (a *App) retry(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(a.out, "Usage: retry <item-id>")
		return
	}
	if err := a.orch.RetryFailed(ctx, args[0]); err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}
	fmt.Fprintln(a.out, "Retry scheduled.")
}

func (a *App) purge(ctx context.Context) {
	surveys, blobs, err := a.service.Purge(ctx)
	if err != nil {
		fmt.Fprintln(a.out, "Error:", err)
		return
	}
	fmt.Fprintf(a.out, "Purged %d synced surveys, cleared %d uploaded blobs.\n", surveys, blobs)
}
