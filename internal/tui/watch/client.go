package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/qrun/internal/api"
)

// --- Message types ---

type healthMsg api.HealthzResponse

type jobsMsg []api.JobResponse

type tickMsg time.Time

type errMsg struct{ err error }

// --- Commands ---

// pollHealth fetches GET /healthz.
func pollHealth(apiURL, apiKey string) tea.Cmd {
	return func() tea.Msg {
		var resp api.HealthzResponse
		if err := getJSON(apiURL+"/healthz", apiKey, &resp); err != nil {
			return errMsg{err}
		}
		return healthMsg(resp)
	}
}

// pollJobs fetches GET /jobs.
func pollJobs(apiURL, apiKey string) tea.Cmd {
	return func() tea.Msg {
		var resp []api.JobResponse
		if err := getJSON(apiURL+"/jobs?limit=100", apiKey, &resp); err != nil {
			return errMsg{err}
		}
		return jobsMsg(resp)
	}
}

func getJSON(url, apiKey string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
