package collectors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/hwdecode/internal/metrics/exporters"
)

func TestParseLoadLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    CoreLoad
		wantErr bool
	}{
		{"valid", "rkvdec: load: 45% utilization: 78%", CoreLoad{"rkvdec", 45, 78}, false},
		{"decimals", "rkvdec0: load: 12.5% utilization: 33.3%", CoreLoad{"rkvdec0", 12.5, 33.3}, false},
		{"reversed", "av1d: utilization: 9% load: 3%", CoreLoad{"av1d", 3, 9}, false},
		{"short", "rkvdec: load:", CoreLoad{}, true},
		{"missing load", "rkvdec: utilization: 78% other: 1", CoreLoad{}, true},
		{"missing utilization", "rkvdec: load: 45% other: 1", CoreLoad{}, true},
		{"not a number", "rkvdec: load: x% utilization: 1%", CoreLoad{}, true},
		{"empty", "", CoreLoad{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLoadLine(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseLoadSkipsBadLines(t *testing.T) {
	input := strings.Join([]string{
		"rkvdec: load: 10% utilization: 20%",
		"",
		"garbage",
		"rkvenc: load: 1% utilization: 2%",
	}, "\n")
	cores, err := ParseLoad(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(cores) != 2 || cores[0].Core != "rkvdec" || cores[1].Core != "rkvenc" {
		t.Fatalf("cores = %+v", cores)
	}
}

func TestLoadCollectorExports(t *testing.T) {
	path := filepath.Join(t.TempDir(), "load")
	if err := os.WriteFile(path, []byte("testcore: load: 42% utilization: 64%\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewLoadCollector(path, 10*time.Millisecond)
	c.Start(context.Background())

	handler := exporters.HTTPHandler()
	want := `hwdecode_engine_load_percent{core="testcore"} 42`
	deadline := time.Now().Add(time.Second)
	for {
		body := scrape(t, handler)
		if strings.Contains(body, want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metric %q not exported", want)
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.Stop()
	if strings.Contains(scrape(t, handler), `core="testcore"`) {
		t.Error("gauges left behind after Stop")
	}
}

func TestLoadCollectorMissingFile(t *testing.T) {
	c := NewLoadCollector(filepath.Join(t.TempDir(), "absent"), 5*time.Millisecond)
	c.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	c.Stop()
	c.Stop()
	if !c.missing {
		t.Error("missing file not noticed")
	}
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return w.Body.String()
}
