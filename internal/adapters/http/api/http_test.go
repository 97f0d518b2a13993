package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/divscore/internal/adapters/http/api"
	"github.com/okian/divscore/internal/adapters/storage"
	service "github.com/okian/divscore/internal/app"
	"github.com/okian/divscore/internal/config"
	"github.com/okian/divscore/internal/domain/scoring"
	"github.com/okian/divscore/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

type snapshotBody struct {
	HasScore       bool               `json:"hasScore"`
	Score          *int               `json:"score"`
	LastCalculated *string            `json:"lastCalculated"`
	Allocations    map[string]float64 `json:"allocations"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newTestMux(t *testing.T) (*http.ServeMux, *service.Service) {
	t.Helper()
	cfg := config.New()
	cfg.StorageBackend = config.BackendMemory
	svc := service.New(cfg,
		service.WithLogger(logger.NewNop()),
		service.WithStorage(storage.NewMemory()),
		service.WithCalculator(scoring.NewRandomCalculator(scoring.WithRange(85, 85))),
		service.WithClock(func() time.Time { return time.Date(2025, time.May, 14, 0, 0, 0, 0, time.UTC) }),
	)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(svc.Stop)

	mux := http.NewServeMux()
	api.NewServer(svc, svc).Register(mux, svc.Store())
	return mux, svc
}

func do(mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode[T any](w *httptest.ResponseRecorder) T {
	var v T
	_ = json.Unmarshal(w.Body.Bytes(), &v)
	return v
}

func TestSessionEndpoints(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		mux, svc := newTestMux(t)

		Convey("When reading an empty session", func() {
			w := do(mux, http.MethodGet, "/api/session", "")

			Convey("Then nothing is set", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Header().Get("Content-Type"), ShouldStartWith, "application/json")
				body := decode[snapshotBody](w)
				So(body.HasScore, ShouldBeFalse)
				So(body.Score, ShouldBeNil)
				So(body.LastCalculated, ShouldBeNil)
				So(body.Allocations, ShouldBeNil)
			})
		})

		Convey("When a score is stored", func() {
			w := do(mux, http.MethodPut, "/api/session", `{"score":85,"allocations":{"Stocks":60,"Bonds":25,"RealEstate":15}}`)

			Convey("Then the response and later reads show it", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				body := decode[snapshotBody](do(mux, http.MethodGet, "/api/session", ""))
				So(body.HasScore, ShouldBeTrue)
				So(*body.Score, ShouldEqual, 85)
				So(*body.LastCalculated, ShouldEqual, "May 14, 2025")
				So(body.Allocations, ShouldResemble, map[string]float64{"Stocks": 60, "Bonds": 25, "RealEstate": 15})
			})

			Convey("And a later update without allocations keeps them", func() {
				w := do(mux, http.MethodPut, "/api/session", `{"score":70}`)
				So(w.Code, ShouldEqual, http.StatusOK)
				body := decode[snapshotBody](w)
				So(*body.Score, ShouldEqual, 70)
				So(body.Allocations, ShouldHaveLength, 3)
			})

			Convey("And deleting clears it", func() {
				w := do(mux, http.MethodDelete, "/api/session", "")
				So(w.Code, ShouldEqual, http.StatusNoContent)
				So(svc.Store().Snapshot().HasScore, ShouldBeFalse)
				So(decode[snapshotBody](do(mux, http.MethodGet, "/api/session", "")).HasScore, ShouldBeFalse)
			})
		})

		Convey("When the body is not JSON", func() {
			w := do(mux, http.MethodPut, "/api/session", `{score:`)

			Convey("Then it is rejected", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode[errorBody](w).Code, ShouldEqual, "bad_request")
			})
		})

		Convey("When the score is missing", func() {
			w := do(mux, http.MethodPut, "/api/session", `{"allocations":{"A":1}}`)

			Convey("Then it is rejected and nothing changes", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode[errorBody](w).Message, ShouldContainSubstring, "missing score")
				So(svc.Store().Snapshot().HasScore, ShouldBeFalse)
			})
		})

		Convey("When an unsupported method is used", func() {
			w := do(mux, http.MethodPatch, "/api/session", `{}`)

			Convey("Then it answers 405", func() {
				So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
				So(w.Header().Get("Allow"), ShouldEqual, "GET, PUT, DELETE")
			})
		})
	})
}

func TestCalculateEndpoint(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		mux, svc := newTestMux(t)

		Convey("When a portfolio is calculated", func() {
			w := do(mux, http.MethodPost, "/api/session/calculate", `{"allocations":{"Stocks":60,"Bonds":40}}`)

			Convey("Then the score is recorded in the session", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				body := decode[snapshotBody](w)
				So(*body.Score, ShouldEqual, 85)
				So(body.Allocations, ShouldResemble, map[string]float64{"Stocks": 60, "Bonds": 40})
				So(*svc.Store().Snapshot().Score, ShouldEqual, 85)
			})
		})

		Convey("When the portfolio is empty", func() {
			w := do(mux, http.MethodPost, "/api/session/calculate", `{"allocations":{}}`)

			Convey("Then it answers 400 and the session is untouched", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode[errorBody](w).Code, ShouldEqual, "invalid_allocations")
				So(svc.Store().Snapshot().HasScore, ShouldBeFalse)
			})
		})

		Convey("When a weight is negative", func() {
			w := do(mux, http.MethodPost, "/api/session/calculate", `{"allocations":{"Stocks":-5}}`)

			Convey("Then it answers 400", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode[errorBody](w).Code, ShouldEqual, "invalid_allocations")
			})
		})

		Convey("When the method is GET", func() {
			w := do(mux, http.MethodGet, "/api/session/calculate", "")

			Convey("Then it answers 405", func() {
				So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
			})
		})
	})
}

func TestMissingProvider(t *testing.T) {
	Convey("Given routes registered without a store", t, func() {
		mux := http.NewServeMux()
		api.NewServer(nil, nil).Register(mux, nil)

		Convey("Then every session route answers missing_provider", func() {
			for _, tc := range []struct{ method, path, body string }{
				{http.MethodGet, "/api/session", ""},
				{http.MethodPut, "/api/session", `{"score":1}`},
				{http.MethodDelete, "/api/session", ""},
				{http.MethodPost, "/api/session/calculate", `{"allocations":{"A":1}}`},
				{http.MethodGet, "/api/session/stream", ""},
			} {
				w := do(mux, tc.method, tc.path, tc.body)
				So(w.Code, ShouldEqual, http.StatusInternalServerError)
				body := decode[errorBody](w)
				So(body.Code, ShouldEqual, "missing_provider")
				So(body.Message, ShouldContainSubstring, "session.Provide")
			}
		})
	})

	Convey("Given a session handler called directly", t, func() {
		h := api.NewSessionHandler(logger.NewNop())
		w := httptest.NewRecorder()
		h.HandleSession(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))

		Convey("Then the missing provider is a server error", func() {
			So(w.Code, ShouldEqual, http.StatusInternalServerError)
			So(decode[errorBody](w).Code, ShouldEqual, "missing_provider")
		})
	})
}

func TestRequestID(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		mux, _ := newTestMux(t)

		Convey("When no request id is sent", func() {
			w := do(mux, http.MethodGet, "/api/session", "")

			Convey("Then one is generated", func() {
				So(w.Header().Get(api.RequestIDHeader), ShouldHaveLength, 36)
			})
		})

		Convey("When the caller sends one", func() {
			req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
			req.Header.Set(api.RequestIDHeader, "req-123")
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			Convey("Then it is echoed back", func() {
				So(w.Header().Get(api.RequestIDHeader), ShouldEqual, "req-123")
			})
		})
	})

	Convey("Given a handler below the request id middleware", t, func() {
		var seen string
		h := api.RequestIDMiddleware(func(_ http.ResponseWriter, r *http.Request) {
			seen = api.RequestIDFromContext(r.Context())
		})
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(api.RequestIDHeader, "abc")
		h(httptest.NewRecorder(), req)

		Convey("Then the id is in the context", func() {
			So(seen, ShouldEqual, "abc")
			So(api.RequestIDFromContext(context.Background()), ShouldBeEmpty)
		})
	})
}

func TestOperationalEndpoints(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		mux, _ := newTestMux(t)

		Convey("When scraping /healthz", func() {
			do(mux, http.MethodGet, "/api/session", "")
			w := do(mux, http.MethodGet, "/healthz", "")

			Convey("Then Prometheus metrics are served", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, "divscore_http_requests_total")
			})
		})

		Convey("When reading /stats", func() {
			w := do(mux, http.MethodGet, "/stats", "")

			Convey("Then service stats are returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				stats := decode[map[string]any](w)
				So(stats["started"], ShouldEqual, true)
				So(stats["backend"], ShouldEqual, config.BackendMemory)
			})
		})

		Convey("When posting to /stats", func() {
			w := do(mux, http.MethodPost, "/stats", "")

			Convey("Then it answers 405", func() {
				So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
			})
		})

		Convey("When requesting an unknown path", func() {
			w := do(mux, http.MethodGet, "/unknown", "")

			Convey("Then it answers 404", func() {
				So(w.Code, ShouldEqual, http.StatusNotFound)
			})
		})
	})
}

func TestSessionStream(t *testing.T) {
	Convey("Given a client subscribed to the session stream", t, func() {
		mux, svc := newTestMux(t)
		srv := httptest.NewServer(mux)
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/session/stream", nil)
		So(err, ShouldBeNil)
		resp, err := srv.Client().Do(req)
		So(err, ShouldBeNil)
		defer func() { _ = resp.Body.Close() }()
		reader := bufio.NewReader(resp.Body)

		next := func() snapshotBody {
			var body snapshotBody
			for {
				line, err := reader.ReadString('\n')
				if err != nil {
					return body
				}
				if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
					_ = json.Unmarshal([]byte(data), &body)
					return body
				}
			}
		}

		Convey("Then it receives the current snapshot and every change", func() {
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(resp.Header.Get("Content-Type"), ShouldEqual, "text/event-stream")
			So(next().HasScore, ShouldBeFalse)

			svc.Store().SetScoreData(ctx, 85, map[string]float64{"Stocks": 60})
			update := next()
			So(update.HasScore, ShouldBeTrue)
			So(*update.Score, ShouldEqual, 85)

			svc.Store().ResetScore(ctx)
			So(next().HasScore, ShouldBeFalse)
		})

		Convey("And the subscription ends with the connection", func() {
			So(next().HasScore, ShouldBeFalse)
			So(svc.Store().Subscribers(), ShouldEqual, 1)
			cancel()
			_ = resp.Body.Close()
			So(waitFor(func() bool { return svc.Store().Subscribers() == 0 }), ShouldBeTrue)
		})
	})
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

var _ api.Dependencies = (*service.Service)(nil)
