package opmux

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

// MaxGatewayRequestSize bounds the request body a Gateway turns into a payload.
const MaxGatewayRequestSize = 1 << 20

// HeaderTimeout is the request header carrying an operation's time budget,
// in time.ParseDuration syntax.
const HeaderTimeout = "Opmux-Timeout"

// HeaderTraceID is the request header carrying an operation's trace id.
const HeaderTraceID = "Opmux-Trace-Id"

// HeaderOutcome is the response header reporting the operation's Outcome.
const HeaderOutcome = "Opmux-Outcome"

// Gateway receives HTTP requests and turns each into an ENTIRE operation
// on a Front, relaying the results as the response.
//
//	POST /op/:name   body is the payload, response body is the result
//	GET  /stats      Outcome counts as JSON
type Gateway struct {
	Front   Front
	Timeout time.Duration // zero means the Front's default
	Log     zerolog.Logger
	router  *httprouter.Router
}

// NewGateway returns a Gateway commencing operations on front.
func NewGateway(front Front) *Gateway {
	g := &Gateway{Front: front}
	g.router = httprouter.New()
	g.router.POST("/op/:name", g.serveOperation)
	g.router.GET("/stats", g.serveStats)
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Close closes the Front if it has a Close method.
func (g *Gateway) Close() error {
	if c, ok := g.Front.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// resultCollector is the ingestor of a gateway operation's results.
type resultCollector struct {
	mu      sync.Mutex
	results []interface{}
}

func (rc *resultCollector) Consumer(OperationContext) (Consumer, error) {
	return rc, nil
}

func (rc *resultCollector) Consume(value interface{}) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.results = append(rc.results, value)
	return nil
}

func (rc *resultCollector) Terminate() error { return nil }

func (rc *resultCollector) ConsumeAndTerminate(value interface{}) error {
	return rc.Consume(value)
}

func (rc *resultCollector) collected() []interface{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.results
}

// outcomeStatus maps an Outcome to the HTTP status reported for it.
func outcomeStatus(outcome Outcome) int {
	switch outcome {
	case OutcomeCompleted:
		return http.StatusOK
	case OutcomeExpired:
		return http.StatusGatewayTimeout
	case OutcomeCancelled:
		return http.StatusServiceUnavailable
	case OutcomeTransmissionFailure:
		return http.StatusBadGateway
	case OutcomeReceptionFailure, OutcomeServicerFailure, OutcomeServicedFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (g *Gateway) serveOperation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxGatewayRequestSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > MaxGatewayRequestSize {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	timeout := g.Timeout
	if s := r.Header.Get(HeaderTimeout); s != "" {
		if timeout, err = time.ParseDuration(s); err != nil || timeout < 0 {
			http.Error(w, "bad "+HeaderTimeout+" header", http.StatusBadRequest)
			return
		}
	}
	var traceID uuid.UUID
	if s := r.Header.Get(HeaderTraceID); s != "" {
		if traceID, err = uuid.Parse(s); err != nil {
			http.Error(w, "bad "+HeaderTraceID+" header", http.StatusBadRequest)
			return
		}
	}

	var payload interface{}
	if len(body) > 0 {
		payload = body
	}
	rc := &resultCollector{}
	op, err := g.Front.Operate(name, payload, true, timeout, FullSubscription(rc), traceID)
	if err != nil {
		g.Log.Warn().Err(err).Str("name", name).Msg("operate failed")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	ctx := op.Context()
	select {
	case <-ctx.Done():
	case <-r.Context().Done():
		op.Cancel()
		<-ctx.Done()
	}

	outcome := ctx.Outcome()
	w.Header().Set(HeaderOutcome, outcome.String())
	status := outcomeStatus(outcome)
	if status != http.StatusOK {
		msg := outcome.String()
		if err := ctx.Err(); err != nil {
			msg += ": " + err.Error()
		}
		http.Error(w, msg, status)
		return
	}
	writeResults(w, rc.collected())
}

// writeResults writes byte and string results as they are and
// anything else as JSON.
func writeResults(w http.ResponseWriter, results []interface{}) {
	w.WriteHeader(http.StatusOK)
	for _, result := range results {
		switch v := result.(type) {
		case []byte:
			w.Write(v)
		case string:
			io.WriteString(w, v)
		default:
			json.NewEncoder(w).Encode(v)
		}
	}
}

func (g *Gateway) serveStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats := make(map[string]int)
	for outcome, n := range g.Front.OperationStats() {
		stats[outcome.String()] = n
	}
	if lc, ok := g.Front.(interface{ LiveOperations() int }); ok {
		w.Header().Set("Opmux-Live-Operations", strconv.Itoa(lc.LiveOperations()))
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		g.Log.Debug().Err(err).Msg("stats write failed")
	}
}
