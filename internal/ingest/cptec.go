package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/text/encoding/charmap"

	"github.com/lox/clima/internal/httputil"
	"github.com/lox/clima/internal/metrics"
	"github.com/lox/clima/internal/models"
	"github.com/lox/clima/internal/store"
)

const (
	DefaultBaseURL = "http://servicos.cptec.inpe.br/XML"
	sourceCPTEC    = "cptec"
)

// FetchError reports an upstream failure: the service could not be reached,
// answered with a non-OK status, or returned a payload that did not decode.
type FetchError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Auditor records every upstream call. *store.Store satisfies it.
type Auditor interface {
	StartIngestRun(ctx context.Context, source, endpoint, stationID, locationID string) (*store.IngestRun, error)
	CompleteIngestRun(ctx context.Context, run *store.IngestRun) error
	StoreRawPayload(ctx context.Context, ref store.PayloadRef, payload []byte) (int64, error)
}

// City is an entry of the CPTEC city list.
type City struct {
	ID    string
	Name  string
	State string
}

type CPTEC struct {
	baseURL  string
	client   *http.Client
	stations []string
	audit    Auditor

	initialInterval time.Duration
	maxElapsed      time.Duration

	mu     sync.Mutex
	cities map[string]City
}

type Option func(*CPTEC)

func WithBaseURL(u string) Option {
	return func(c *CPTEC) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *CPTEC) { c.client = hc }
}

// WithStations restricts observation fetches to the given ICAO codes.
// Without it every state capital is fetched.
func WithStations(ids ...string) Option {
	return func(c *CPTEC) { c.stations = ids }
}

func WithAuditor(a Auditor) Option {
	return func(c *CPTEC) { c.audit = a }
}

// WithBackoff sets the retry schedule for rate limited or failing calls.
func WithBackoff(initial, maxElapsed time.Duration) Option {
	return func(c *CPTEC) {
		c.initialInterval = initial
		c.maxElapsed = maxElapsed
	}
}

func NewCPTEC(opts ...Option) *CPTEC {
	c := &CPTEC{
		baseURL:         DefaultBaseURL,
		client:          httputil.NewClient(""),
		initialInterval: 500 * time.Millisecond,
		maxElapsed:      2 * time.Minute,
		cities:          make(map[string]City),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type metarXML struct {
	Code        string `xml:"codigo"`
	UpdatedAt   string `xml:"atualizacao"`
	Pressure    string `xml:"pressao"`
	Temperature string `xml:"temperatura"`
	Sky         string `xml:"tempo"`
	SkyDesc     string `xml:"tempo_desc"`
	Humidity    string `xml:"umidade"`
	WindDir     string `xml:"vento_dir"`
	WindSpeed   string `xml:"vento_int"`
	Visibility  string `xml:"visibilidade"`
}

type capitalsXML struct {
	Metars []metarXML `xml:"metar"`
}

type cityForecastXML struct {
	Name      string        `xml:"nome"`
	State     string        `xml:"uf"`
	UpdatedAt string        `xml:"atualizacao"`
	Days      []forecastXML `xml:"previsao"`
}

type forecastXML struct {
	Date    string `xml:"dia"`
	Sky     string `xml:"tempo"`
	Max     string `xml:"maxima"`
	Min     string `xml:"minima"`
	UVIndex string `xml:"iuv"`
}

type cityListXML struct {
	Cities []struct {
		Name  string `xml:"nome"`
		State string `xml:"uf"`
		ID    string `xml:"id"`
	} `xml:"cidade"`
}

// FetchCurrentObservations returns the latest METAR of every configured
// station, or of all state capitals when none are configured. A station
// that fails is logged and skipped; the call only fails when nothing could
// be fetched.
func (c *CPTEC) FetchCurrentObservations(ctx context.Context) ([]models.Observation, error) {
	if len(c.stations) == 0 {
		return c.FetchCapitals(ctx)
	}

	var (
		out      []models.Observation
		firstErr error
	)
	for _, id := range c.stations {
		obs, err := c.FetchStation(ctx, id)
		if err != nil {
			log.Printf("ingest: station %s: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, obs)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// FetchStation returns the current conditions reported by one station.
func (c *CPTEC) FetchStation(ctx context.Context, stationID string) (models.Observation, error) {
	const endpoint = "estacao/condicoesAtuais"
	path := fmt.Sprintf("/estacao/%s/condicoesAtuais.xml", url.PathEscape(stationID))

	var doc metarXML
	call := c.begin(ctx, endpoint, stationID, "")
	err := c.getXML(ctx, call, path, &doc)
	if err != nil {
		c.finish(ctx, call, 0, err)
		return models.Observation{}, err
	}

	obs, err := doc.observation(stationID)
	if err != nil {
		err = &FetchError{Endpoint: endpoint, Err: err}
		c.finish(ctx, call, 0, err)
		return models.Observation{}, err
	}
	c.finish(ctx, call, 1, nil)
	return obs, nil
}

// FetchCapitals returns the current conditions of every state capital.
// Entries that cannot be parsed are skipped and counted as parse errors.
func (c *CPTEC) FetchCapitals(ctx context.Context) ([]models.Observation, error) {
	const endpoint = "capitais/condicoesAtuais"

	var doc capitalsXML
	call := c.begin(ctx, endpoint, "", "")
	if err := c.getXML(ctx, call, "/capitais/condicoesAtuais.xml", &doc); err != nil {
		c.finish(ctx, call, 0, err)
		return nil, err
	}

	out := make([]models.Observation, 0, len(doc.Metars))
	for _, m := range doc.Metars {
		obs, err := m.observation("")
		if err != nil {
			log.Printf("ingest: capitals: %v", err)
			call.parseErrors++
			continue
		}
		out = append(out, obs)
	}
	c.finish(ctx, call, len(out), nil)
	return out, nil
}

// FetchForecast returns the municipal forecast for city, which is a name
// from the CPTEC city list, optionally qualified as "Name/UF".
func (c *CPTEC) FetchForecast(ctx context.Context, city string) ([]models.ForecastRow, error) {
	const endpoint = "cidade/previsao"

	found, err := c.LookupCity(ctx, city)
	if err != nil {
		return nil, err
	}

	var doc cityForecastXML
	call := c.begin(ctx, endpoint, "", found.ID)
	if err := c.getXML(ctx, call, fmt.Sprintf("/cidade/%s/previsao.xml", url.PathEscape(found.ID)), &doc); err != nil {
		c.finish(ctx, call, 0, err)
		return nil, err
	}

	issued, err := parseTimestamp(doc.UpdatedAt)
	if err != nil {
		err = &FetchError{Endpoint: endpoint, Err: fmt.Errorf("atualizacao: %w", err)}
		c.finish(ctx, call, 0, err)
		return nil, err
	}

	name := strings.TrimSpace(doc.Name)
	if name == "" {
		name = found.Name
	}
	state := strings.TrimSpace(doc.State)
	if state == "" {
		state = found.State
	}

	rows := make([]models.ForecastRow, 0, len(doc.Days))
	for _, d := range doc.Days {
		date, err := parseTimestamp(d.Date)
		if err != nil {
			log.Printf("ingest: forecast %s: dia %q: %v", name, d.Date, err)
			call.parseErrors++
			continue
		}
		rows = append(rows, models.ForecastRow{
			City:         name,
			State:        state,
			IssuedAt:     issued,
			Date:         date,
			SkyCondition: strings.TrimSpace(d.Sky),
			TempMax:      parseReading(d.Max),
			TempMin:      parseReading(d.Min),
			UVIndex:      parseReading(d.UVIndex),
		})
	}
	c.finish(ctx, call, len(rows), nil)
	return rows, nil
}

// LookupCity resolves a city name to its CPTEC id. Results are cached for
// the life of the client.
func (c *CPTEC) LookupCity(ctx context.Context, name string) (City, error) {
	const endpoint = "listaCidades"

	name, state, _ := strings.Cut(name, "/")
	name = strings.TrimSpace(name)
	state = strings.ToUpper(strings.TrimSpace(state))
	key := strings.ToLower(name) + "/" + state

	c.mu.Lock()
	cached, ok := c.cities[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	var doc cityListXML
	call := c.begin(ctx, endpoint, "", name)
	if err := c.getXML(ctx, call, "/listaCidades?city="+url.QueryEscape(name), &doc); err != nil {
		c.finish(ctx, call, 0, err)
		return City{}, err
	}
	c.finish(ctx, call, len(doc.Cities), nil)

	for _, e := range doc.Cities {
		if !strings.EqualFold(strings.TrimSpace(e.Name), name) {
			continue
		}
		if state != "" && !strings.EqualFold(strings.TrimSpace(e.State), state) {
			continue
		}
		city := City{ID: strings.TrimSpace(e.ID), Name: strings.TrimSpace(e.Name), State: strings.TrimSpace(e.State)}
		c.mu.Lock()
		c.cities[key] = city
		c.mu.Unlock()
		return city, nil
	}
	return City{}, &FetchError{Endpoint: endpoint, Err: fmt.Errorf("city %q not found", name)}
}

// fetchCall carries the audit record of one upstream request.
type fetchCall struct {
	endpoint    string
	stationID   string
	locationID  string
	run         *store.IngestRun
	status      int
	size        int
	parseErrors int
	started     time.Time
}

func (c *CPTEC) begin(ctx context.Context, endpoint, stationID, locationID string) *fetchCall {
	cl := &fetchCall{endpoint: endpoint, stationID: stationID, locationID: locationID, started: time.Now()}
	if c.audit != nil {
		run, err := c.audit.StartIngestRun(ctx, sourceCPTEC, endpoint, stationID, locationID)
		if err != nil {
			log.Printf("ingest: start ingest run: %v", err)
		}
		cl.run = run
	}
	return cl
}

func (c *CPTEC) finish(ctx context.Context, cl *fetchCall, parsed int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.FetchCalls.WithLabelValues(cl.endpoint, outcome).Inc()
	metrics.FetchLatency.WithLabelValues(cl.endpoint).Observe(time.Since(cl.started).Seconds())

	if cl.run == nil {
		return
	}
	run := cl.run
	run.Success = err == nil
	run.HTTPStatus = sql.NullInt64{Int64: int64(cl.status), Valid: cl.status > 0}
	run.ResponseSizeBytes = sql.NullInt64{Int64: int64(cl.size), Valid: cl.size > 0}
	run.RecordsParsed = sql.NullInt64{Int64: int64(parsed), Valid: true}
	if cl.parseErrors > 0 {
		run.ParseErrors = sql.NullInt64{Int64: int64(cl.parseErrors), Valid: true}
	}
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	}
	if err := c.audit.CompleteIngestRun(ctx, run); err != nil {
		log.Printf("ingest: complete ingest run: %v", err)
	}
}

// getXML fetches path, keeps the raw payload and decodes it into v.
func (c *CPTEC) getXML(ctx context.Context, cl *fetchCall, path string, v any) error {
	body, err := c.get(ctx, cl, path)
	if err != nil {
		return err
	}

	if c.audit != nil {
		ref := store.PayloadRef{Source: sourceCPTEC, Endpoint: cl.endpoint, StationID: cl.stationID, LocationID: cl.locationID}
		if cl.run != nil {
			ref.IngestRunID = cl.run.ID
		}
		if _, err := c.audit.StoreRawPayload(ctx, ref, body); err != nil {
			log.Printf("ingest: store raw payload %s: %v", cl.endpoint, err)
		}
	}

	if err := decodeXML(body, v); err != nil {
		return &FetchError{Endpoint: cl.endpoint, Status: cl.status, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func (c *CPTEC) get(ctx context.Context, cl *fetchCall, path string) ([]byte, error) {
	u := c.baseURL + path

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()

		cl.status = resp.StatusCode
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("retryable status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(fmt.Errorf("unexpected status: %s", truncateBody(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		cl.size = len(body)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		status := cl.status
		if status == http.StatusOK {
			status = 0
		}
		return nil, &FetchError{Endpoint: cl.endpoint, Status: status, Err: err}
	}
	return body, nil
}

// decodeXML decodes CPTEC documents, which are declared as ISO-8859-1.
func decodeXML(body []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charsetReader
	return dec.Decode(v)
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(label) {
	case "iso-8859-1", "iso8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(input), nil
	case "utf-8", "utf8", "":
		return input, nil
	}
	return nil, fmt.Errorf("unsupported charset %q", label)
}

func (m metarXML) observation(stationID string) (models.Observation, error) {
	id := strings.ToUpper(strings.TrimSpace(m.Code))
	if id == "" {
		id = strings.ToUpper(stationID)
	}
	if id == "" {
		return models.Observation{}, errors.New("metar without station code")
	}
	at, err := parseTimestamp(m.UpdatedAt)
	if err != nil {
		return models.Observation{}, fmt.Errorf("%s: atualizacao: %w", id, err)
	}
	return models.Observation{
		StationID:    id,
		ObservedAt:   at,
		Pressure:     parseReading(m.Pressure),
		Temperature:  parseReading(m.Temperature),
		SkyCondition: strings.ToLower(strings.TrimSpace(m.Sky)),
		Humidity:     parseReading(m.Humidity),
		WindDir:      parseReading(m.WindDir),
		WindSpeed:    parseReading(m.WindSpeed),
		Visibility:   parseReading(m.Visibility),
	}, nil
}

var timestampLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// parseTimestamp reads CPTEC timestamps, which are reported in UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// parseReading converts a numeric field. Bounds such as ">10000" keep
// their number; missing or unparseable values become NaN.
func parseReading(s string) float64 {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "<>")
	s = strings.Replace(s, ",", ".", 1)
	if s == "" || s == "-" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "...(truncated)"
}
