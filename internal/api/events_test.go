package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxzi/campaignd/internal/models"
)

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body string) []sseEvent {
	t.Helper()

	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	return events
}

func TestEventsTerminalCampaign(t *testing.T) {
	st := newTestStack(t, nil)
	id := st.addContact(t, models.Contact{Name: "Amal", Email: "amal@example.com"})

	w := st.do(t, http.MethodPost, "/api/v1/campaigns", emailCampaign(id))
	expectStatus(t, w, http.StatusAccepted)
	campaignID := decode[models.Campaign](t, w).ID
	st.service.Wait()

	w = st.do(t, http.MethodGet, "/api/v1/campaigns/"+campaignID+"/events", nil)
	expectStatus(t, w, http.StatusOK)
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := readEvents(t, w.Body.String())
	if len(events) != 2 {
		t.Fatalf("events = %+v, want progress and done", events)
	}
	if events[0].name != "progress" || events[1].name != "done" {
		t.Errorf("event names = %s, %s", events[0].name, events[1].name)
	}

	var done ProgressEvent
	if err := json.Unmarshal([]byte(events[1].data), &done); err != nil {
		t.Fatalf("failed to decode done event: %v", err)
	}
	if done.ID != campaignID || done.Status != models.StatusCompleted || done.SentCount != 1 {
		t.Errorf("done = %+v", done)
	}
}

func TestEventsStreamUntilDone(t *testing.T) {
	st := newTestStack(t, nil)
	id := st.addContact(t, models.Contact{Name: "Amal", Email: "amal@example.com"})

	srv := httptest.NewServer(st.server.Handler())
	defer srv.Close()

	w := st.do(t, http.MethodPost, "/api/v1/campaigns", emailCampaign(id))
	expectStatus(t, w, http.StatusAccepted)
	campaignID := decode[models.Campaign](t, w).ID

	resp, err := http.Get(srv.URL + "/api/v1/campaigns/" + campaignID + "/events")
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer resp.Body.Close()

	var last sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			last = cur
		}
	}

	if last.name != "done" {
		t.Fatalf("last event = %+v, want done", last)
	}
	var done ProgressEvent
	if err := json.Unmarshal([]byte(last.data), &done); err != nil {
		t.Fatalf("failed to decode done event: %v", err)
	}
	if !done.Status.Terminal() {
		t.Errorf("done status = %s, want terminal", done.Status)
	}
}
