package signals

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skalibog/bfexec/internal/apperr"
	"github.com/skalibog/bfexec/internal/config"
	"github.com/skalibog/bfexec/pkg/models"
)

func TestDecodeShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []models.Signal
	}{
		{
			name: "массив объектов",
			body: `[{"symbol":"PEPEUSDT_LONG","confidence":0.88},{"symbol":"ETHUSDT_SHORT","confidence":"0.91"},{"symbol":"BADSIGNAL","confidence":0.99}]`,
			want: []models.Signal{
				{Symbol: "PEPEUSDT", Direction: models.Long, Confidence: 0.88},
				{Symbol: "ETHUSDT", Direction: models.Short, Confidence: 0.91},
			},
		},
		{
			name: "объект без уверенности",
			body: `[{"symbol":"SOLUSDT_LONG"}]`,
			want: []models.Signal{{Symbol: "SOLUSDT", Direction: models.Long, Confidence: 0}},
		},
		{
			name: "массив строк",
			body: `["PEPEUSDT_LONG 0.88", "BTCUSDT_SHORT,0.75", "ETHUSDT_LONG", "XRPUSDT_LONG abc"]`,
			want: []models.Signal{
				{Symbol: "PEPEUSDT", Direction: models.Long, Confidence: 0.88},
				{Symbol: "BTCUSDT", Direction: models.Short, Confidence: 0.75},
			},
		},
		{
			name: "opportunities",
			body: `{"opportunities":[{"model_id":"BOMEUSDT_long_v123","probability":0.85},{"model_id":"WIFUSDT_short_v2","probability":0.72},{"model_id":"noise_v1","probability":0.99}]}`,
			want: []models.Signal{
				{Symbol: "BOMEUSDT", Direction: models.Long, Confidence: 0.85},
				{Symbol: "WIFUSDT", Direction: models.Short, Confidence: 0.72},
			},
		},
		{
			name: "простой текст",
			body: "PEPEUSDT_LONG 0.88\n\nDOGEUSDT_SHORT, 0.8\nмусор\n",
			want: []models.Signal{
				{Symbol: "PEPEUSDT", Direction: models.Long, Confidence: 0.88},
				{Symbol: "DOGEUSDT", Direction: models.Short, Confidence: 0.8},
			},
		},
		{
			name: "пустой ответ",
			body: "  ",
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.body))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("получено %d сигналов (%+v), ожидалось %d", len(got), got, len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("сигнал %d: %+v, ожидалось %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestDecodeUnsupported(t *testing.T) {
	for _, body := range []string{`42`, `{"signals":[]}`, `true`} {
		if _, err := Decode([]byte(body)); !errors.Is(err, ErrUnsupportedPayload) {
			t.Fatalf("%s: ожидалась ErrUnsupportedPayload, получено %v", body, err)
		}
	}
}

func TestOpportunityScenario(t *testing.T) {
	got, err := Decode([]byte(`{"opportunities":[{"model_id":"BOMEUSDT_long_v123","probability":0.85}]}`))
	if err != nil {
		t.Fatal(err)
	}
	got = Filter(got, 0.7)
	want := models.Signal{Symbol: "BOMEUSDT", Direction: models.Long, Confidence: 0.85}
	if len(got) != 1 || got[0] != want {
		t.Fatalf("получено %+v", got)
	}
}

func TestParseSymbolDirection(t *testing.T) {
	cases := []struct {
		in     string
		symbol string
		dir    models.Direction
		ok     bool
	}{
		{"btcusdt_long", "BTCUSDT", models.Long, true},
		{"1000PEPEUSDT_SHORT", "1000PEPEUSDT", models.Short, true},
		{"BOMEUSDT_short_v1_long_x", "BOMEUSDT", models.Short, true},
		{"_LONG", "", "", false},
		{"BTC-USDT_LONG", "", "", false},
		{"BTCUSDT", "", "", false},
	}
	for _, tc := range cases {
		symbol, dir, ok := ParseSymbolDirection(tc.in)
		if symbol != tc.symbol || dir != tc.dir || ok != tc.ok {
			t.Fatalf("%q: получено (%q, %q, %v)", tc.in, symbol, dir, ok)
		}
	}
}

func TestFilterThreshold(t *testing.T) {
	in := []models.Signal{
		{Symbol: "A", Confidence: 0.69},
		{Symbol: "B", Confidence: 0.7},
		{Symbol: "C", Confidence: 0.95},
	}
	got := Filter(in, 0.7)
	if len(got) != 2 || got[0].Symbol != "B" || got[1].Symbol != "C" {
		t.Fatalf("получено %+v", got)
	}
	if len(in) != 3 || in[0].Symbol != "A" {
		t.Fatalf("исходный срез не должен меняться")
	}
}

func TestAliasTable(t *testing.T) {
	table := NewAliasTable(map[string]string{"wifusdt": "1000wifusdt", "SHIBUSDT": ""})
	cases := map[string]string{
		"PEPEUSDT": "1000PEPEUSDT",
		"WIFUSDT":  "1000WIFUSDT",
		"SHIBUSDT": "SHIBUSDT",
		"BTCUSDT":  "BTCUSDT",
	}
	for in, want := range cases {
		if got := table.Resolve(in); got != want {
			t.Fatalf("Resolve(%s) = %s, ожидалось %s", in, got, want)
		}
	}
}

func TestSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/analysis" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[{"symbol":"PEPEUSDT_LONG","confidence":0.88},{"symbol":"ETHUSDT_LONG","confidence":0.5}]`))
	}))
	defer srv.Close()

	src := NewSource(config.SignalsConfig{URL: srv.URL + "/api/analysis", TimeoutSeconds: 2, MinConfidence: 0.7})
	got, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "PEPEUSDT" {
		t.Fatalf("получено %+v", got)
	}
}

func TestSourceFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fail":
			http.Error(w, "boom", http.StatusBadGateway)
		case "/slow":
			time.Sleep(300 * time.Millisecond)
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	src := NewSource(config.SignalsConfig{URL: srv.URL + "/fail", TimeoutSeconds: 1})
	if _, err := src.Fetch(context.Background()); !apperr.IsTransport(err) {
		t.Fatalf("ожидалась TransportError, получено %v", err)
	}

	slow := NewSource(config.SignalsConfig{URL: srv.URL + "/slow", TimeoutSeconds: 1})
	slow.client.Timeout = 50 * time.Millisecond
	if _, err := slow.Fetch(context.Background()); !apperr.IsTransport(err) {
		t.Fatalf("таймаут должен быть TransportError, получено %v", err)
	}
}
