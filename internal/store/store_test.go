package store

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/clima/internal/features"
	"github.com/lox/clima/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

var t0 = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

func testObservation(station string, at time.Time, temp float64) models.Observation {
	return models.Observation{
		StationID:    station,
		ObservedAt:   at,
		Pressure:     1012.5,
		Temperature:  temp,
		SkyCondition: "ps",
		Humidity:     70,
		WindDir:      180,
		WindSpeed:    9,
		Visibility:   10000,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	v, err := store.MigrationVersion(ctx)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if v != migrations[len(migrations)-1].Version {
		t.Errorf("version = %d, want %d", v, migrations[len(migrations)-1].Version)
	}
}

func TestUpsertAndGetStations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertStation(ctx, models.Station{StationID: "SBGR", Name: "Guarulhos", City: "São Paulo", State: "SP", Active: true}); err != nil {
		t.Fatalf("UpsertStation: %v", err)
	}
	if err := store.UpsertStation(ctx, models.Station{StationID: "SBRJ", Name: "Santos Dumont", Active: false}); err != nil {
		t.Fatalf("UpsertStation: %v", err)
	}
	if err := store.UpsertStation(ctx, models.Station{StationID: "SBGR", Name: "Guarulhos Intl", City: "São Paulo", State: "SP", Active: true}); err != nil {
		t.Fatalf("UpsertStation update: %v", err)
	}

	stations, err := store.GetActiveStations(ctx)
	if err != nil {
		t.Fatalf("GetActiveStations: %v", err)
	}
	if len(stations) != 1 {
		t.Fatalf("len(stations) = %d, want 1", len(stations))
	}
	if stations[0].Name != "Guarulhos Intl" || stations[0].State != "SP" {
		t.Errorf("station = %+v", stations[0])
	}
}

func TestInsertAndGetObservations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var obs []models.Observation
	for i := 0; i < 5; i++ {
		obs = append(obs, testObservation("SBGR", t0.Add(time.Duration(i)*time.Hour), 20+float64(i)))
	}
	obs = append(obs, testObservation("SBRJ", t0, 28))

	n, err := store.InsertObservations(ctx, obs)
	if err != nil {
		t.Fatalf("InsertObservations: %v", err)
	}
	if n != 6 {
		t.Errorf("stored = %d, want 6", n)
	}

	// duplicates are ignored
	n, err = store.InsertObservations(ctx, obs[:2])
	if err != nil {
		t.Fatalf("InsertObservations duplicate: %v", err)
	}
	if n != 0 {
		t.Errorf("stored duplicates = %d, want 0", n)
	}

	tests := []struct {
		name   string
		filter ObservationFilter
		want   int
		first  float64
	}{
		{"all", ObservationFilter{}, 6, 20},
		{"station", ObservationFilter{StationID: "SBGR"}, 5, 20},
		{"since", ObservationFilter{StationID: "SBGR", Since: t0.Add(2 * time.Hour)}, 3, 22},
		{"until", ObservationFilter{StationID: "SBGR", Until: t0.Add(time.Hour)}, 2, 20},
		{"limit keeps newest", ObservationFilter{StationID: "SBGR", Limit: 2}, 2, 23},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.GetObservations(ctx, tt.filter)
			if err != nil {
				t.Fatalf("GetObservations: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
			if tt.filter.StationID != "" && got[0].Temperature != tt.first {
				t.Errorf("first temperature = %v, want %v", got[0].Temperature, tt.first)
			}
			for i := 1; i < len(got); i++ {
				if got[i].ObservedAt.Before(got[i-1].ObservedAt) {
					t.Errorf("rows not in time order at %d", i)
				}
			}
		})
	}

	got, err := store.GetObservations(ctx, ObservationFilter{StationID: "SBRJ"})
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}
	if !got[0].ObservedAt.Equal(t0) || got[0].Humidity != 70 || got[0].Visibility != 10000 || got[0].SkyCondition != "ps" {
		t.Errorf("round trip = %+v", got[0])
	}
}

func TestMissingReadingsReadBackAsNaN(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	o := testObservation("SBGR", t0, math.NaN())
	if _, err := store.InsertObservations(ctx, []models.Observation{o}); err != nil {
		t.Fatalf("InsertObservations: %v", err)
	}
	got, err := store.GetObservations(ctx, ObservationFilter{StationID: "SBGR"})
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}
	if len(got) != 1 || !math.IsNaN(got[0].Temperature) {
		t.Fatalf("temperature = %+v, want NaN", got)
	}
	if got[0].Pressure != 1012.5 {
		t.Errorf("pressure = %v", got[0].Pressure)
	}
}

func TestFeatureRowsRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	obs := []models.Observation{
		testObservation("SBGR", t0, 21),
		testObservation("SBGR", t0.Add(time.Hour), 22),
	}
	rows, err := features.Transform(obs, features.DefaultCodeTable())
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	changed, err := store.UpsertFeatureRows(ctx, rows)
	if err != nil {
		t.Fatalf("UpsertFeatureRows: %v", err)
	}
	if !changed {
		t.Error("UpsertFeatureRows reported no change")
	}

	rows[1].Temperature = 25
	if _, err := store.UpsertFeatureRows(ctx, rows[1:]); err != nil {
		t.Fatalf("UpsertFeatureRows update: %v", err)
	}

	got, err := store.GetFeatureRows(ctx, time.Time{})
	if err != nil {
		t.Fatalf("GetFeatureRows: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[1].Temperature != 25 {
		t.Errorf("updated temperature = %v, want 25", got[1].Temperature)
	}
	want := rows[0]
	if !got[0].ObservedAt.Equal(want.ObservedAt) || got[0].SkyCode != want.SkyCode ||
		got[0].Humidity != want.Humidity || got[0].WindDirCos != want.WindDirCos || got[0].Day != want.Day {
		t.Errorf("round trip = %+v, want %+v", got[0], want)
	}
}

func TestForecastsRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	issued := t0.Add(12 * time.Hour)
	rows := []models.ForecastRow{
		{City: "São Paulo", State: "SP", IssuedAt: issued, Date: t0.AddDate(0, 0, 1), SkyCondition: "pn", TempMin: 15, TempMax: 26, UVIndex: 9},
		{City: "São Paulo", State: "SP", IssuedAt: issued, Date: t0.AddDate(0, 0, 2), SkyCondition: "c", TempMin: 14, TempMax: 22, UVIndex: 5},
		{City: "Recife", State: "PE", IssuedAt: issued, Date: t0.AddDate(0, 0, 1), SkyCondition: "ps", TempMin: 24, TempMax: 31, UVIndex: 12},
	}
	if _, err := store.UpsertForecasts(ctx, rows); err != nil {
		t.Fatalf("UpsertForecasts: %v", err)
	}

	got, err := store.GetForecasts(ctx, "São Paulo", time.Time{})
	if err != nil {
		t.Fatalf("GetForecasts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	got, err = store.GetForecasts(ctx, "", t0.AddDate(0, 0, 1).Add(15*time.Hour))
	if err != nil {
		t.Fatalf("GetForecasts by date: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].UVIndex == 0 || !got[0].Date.Equal(t0.AddDate(0, 0, 1)) {
		t.Errorf("row = %+v", got[0])
	}
}

func TestGenericRejectsUnknownIdentifiers(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"upsert table", func() error {
			_, err := store.Upsert(ctx, "schema_migrations", []string{"version"}, [][]any{{1}})
			return err
		}},
		{"upsert column", func() error {
			_, err := store.Upsert(ctx, "metar", []string{"station_id; DROP TABLE metar"}, [][]any{{"x"}})
			return err
		}},
		{"upsert missing key", func() error {
			_, err := store.Upsert(ctx, "metar", []string{"station_id"}, [][]any{{"x"}})
			return err
		}},
		{"query column", func() error {
			_, err := store.Query(ctx, "metar", []string{"password"}, Filter{})
			return err
		}},
		{"query filter", func() error {
			_, err := store.Query(ctx, "metar", []string{"station_id"}, Filter{Equals: map[string]any{"1=1 OR station_id": "x"}})
			return err
		}},
		{"query order", func() error {
			_, err := store.Query(ctx, "metar", []string{"station_id"}, Filter{OrderBy: "random()"})
			return err
		}},
		{"query time on table without one", func() error {
			_, err := store.Query(ctx, "sky_codes", []string{"code"}, Filter{Since: t0})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, ErrPersistence) {
				t.Errorf("error = %v, want ErrPersistence", err)
			}
		})
	}
}

func TestUpsertRollsBackOnBadRow(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cols := []string{"condition", "code", "version"}
	_, err := store.Upsert(ctx, "sky_codes", cols, [][]any{{"aa", 1, 1}, {"bb", 2}})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("error = %v, want ErrPersistence", err)
	}
	rows, err := store.Query(ctx, "sky_codes", cols, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0 after rollback", len(rows))
	}
}

func TestCodeTablePersistence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	table, err := store.LoadCodeTable(ctx)
	if err != nil {
		t.Fatalf("LoadCodeTable: %v", err)
	}
	if table.Version() != 1 || table.Len() != features.DefaultCodeTable().Len() {
		t.Fatalf("seeded table version %d len %d", table.Version(), table.Len())
	}

	next, _ := table.Extend("zz")
	if err := store.SaveCodeTable(ctx, next); err != nil {
		t.Fatalf("SaveCodeTable: %v", err)
	}

	loaded, err := store.LoadCodeTable(ctx)
	if err != nil {
		t.Fatalf("LoadCodeTable: %v", err)
	}
	if loaded.Version() != 2 {
		t.Errorf("version = %d, want 2", loaded.Version())
	}
	if loaded.Code("zz") != next.Code("zz") || loaded.Code("ps") != table.Code("ps") {
		t.Errorf("codes changed: zz=%d ps=%d", loaded.Code("zz"), loaded.Code("ps"))
	}
}

func TestDistributionSnapshots(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, rows, err := store.LatestDistribution(ctx)
	if err != nil {
		t.Fatalf("LatestDistribution: %v", err)
	}
	if id != "" || rows != nil {
		t.Fatalf("empty store returned window %q with %d rows", id, len(rows))
	}

	first := []models.FeatureRow{{StationID: "SBGR", ObservedAt: t0, Temperature: 20}}
	second := []models.FeatureRow{
		{StationID: "SBGR", ObservedAt: t0.Add(time.Hour), Temperature: 21},
		{StationID: "SBGR", ObservedAt: t0.Add(2 * time.Hour), Temperature: 22},
	}
	if err := store.SaveDistribution(ctx, "w1", t0, first); err != nil {
		t.Fatalf("SaveDistribution: %v", err)
	}
	if err := store.SaveDistribution(ctx, "w2", t0.Add(time.Hour), second); err != nil {
		t.Fatalf("SaveDistribution: %v", err)
	}

	id, rows, err = store.LatestDistribution(ctx)
	if err != nil {
		t.Fatalf("LatestDistribution: %v", err)
	}
	if id != "w2" || len(rows) != 2 || rows[1].Temperature != 22 {
		t.Errorf("latest = %q %+v", id, rows)
	}
}

func TestArtifactRegistry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a, blob, err := store.LoadArtifact(ctx, models.ModeMax, "")
	if err != nil || a != nil || blob != nil {
		t.Fatalf("LoadArtifact on empty store = %v, %v, %v", a, blob, err)
	}

	first := models.ModelArtifact{
		Mode:          models.ModeMax,
		TrainingRunID: "run-1",
		PipelineRunID: "pipe-1",
		Hyperparams:   map[string]float64{"max_depth": 6},
		EvalRMSE:      1.5,
		BestIteration: 120,
		Evaluation:    map[string]float64{"rmse": 1.9},
		CreatedAt:     t0,
	}
	second := first
	second.TrainingRunID = "run-2"
	second.CreatedAt = t0.Add(time.Hour)

	for _, art := range []models.ModelArtifact{first, second} {
		if err := store.RegisterArtifact(ctx, art, []byte(`{"trees":[]}`)); err != nil {
			t.Fatalf("RegisterArtifact: %v", err)
		}
	}

	// registered but not promoted
	a, _, err = store.LoadArtifact(ctx, models.ModeMax, "")
	if err != nil || a != nil {
		t.Fatalf("current before promote = %v, %v", a, err)
	}

	if err := store.PromoteArtifact(ctx, models.ModeMax, "run-1"); err != nil {
		t.Fatalf("PromoteArtifact: %v", err)
	}
	if err := store.PromoteArtifact(ctx, models.ModeMax, "run-2"); err != nil {
		t.Fatalf("PromoteArtifact: %v", err)
	}
	if err := store.PromoteArtifact(ctx, models.ModeMin, "run-2"); !errors.Is(err, ErrPersistence) {
		t.Errorf("promote across modes error = %v, want ErrPersistence", err)
	}
	if err := store.PromoteArtifact(ctx, models.ModeMax, "missing"); !errors.Is(err, ErrPersistence) {
		t.Errorf("promote missing error = %v, want ErrPersistence", err)
	}

	a, blob, err = store.LoadArtifact(ctx, models.ModeMax, "")
	if err != nil {
		t.Fatalf("LoadArtifact: %v", err)
	}
	if a == nil || a.TrainingRunID != "run-2" || !a.Current || string(blob) != `{"trees":[]}` {
		t.Fatalf("current = %+v", a)
	}
	if a.Hyperparams["max_depth"] != 6 || a.Evaluation["rmse"] != 1.9 || a.PipelineRunID != "pipe-1" {
		t.Errorf("metadata = %+v", a)
	}

	old, _, err := store.LoadArtifact(ctx, models.ModeMax, "run-1")
	if err != nil || old == nil || old.Current {
		t.Fatalf("old artifact = %+v, %v", old, err)
	}

	list, err := store.ListArtifacts(ctx, models.ModeMax, 10)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(list) != 2 || list[0].TrainingRunID != "run-2" || !list[0].Current || list[1].Current {
		t.Errorf("list = %+v", list)
	}
}

func TestPipelineRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	drifted := true
	run := models.PipelineRun{RunID: "r1", Flow: "retrain", StartedAt: t0, Stage: "Ingest", Status: models.RunRunning}
	if err := store.SavePipelineRun(ctx, run); err != nil {
		t.Fatalf("SavePipelineRun: %v", err)
	}

	finished := t0.Add(time.Minute)
	run.FinishedAt = &finished
	run.Stage = "Completed"
	run.Status = models.RunCompleted
	run.Drifted = &drifted
	run.Retrained = []string{"max"}
	run.RetrainErrors = []string{"min: fit failed"}
	if err := store.SavePipelineRun(ctx, run); err != nil {
		t.Fatalf("SavePipelineRun update: %v", err)
	}
	if err := store.SavePipelineRun(ctx, models.PipelineRun{RunID: "r2", Flow: "ingest", StartedAt: t0.Add(time.Hour), Stage: "Failed", Status: models.RunFailed, FailureReason: "no data to post"}); err != nil {
		t.Fatalf("SavePipelineRun: %v", err)
	}

	runs, err := store.ListPipelineRuns(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListPipelineRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "r2" {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Drifted != nil || runs[0].FailureReason != "no data to post" {
		t.Errorf("r2 = %+v", runs[0])
	}

	runs, err = store.ListPipelineRuns(ctx, "retrain", 10)
	if err != nil {
		t.Fatalf("ListPipelineRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len = %d, want 1", len(runs))
	}
	got := runs[0]
	if got.Status != models.RunCompleted || got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("run = %+v", got)
	}
	if got.Drifted == nil || !*got.Drifted {
		t.Errorf("drifted = %v", got.Drifted)
	}
	if len(got.Retrained) != 1 || got.Retrained[0] != "max" || len(got.RetrainErrors) != 1 {
		t.Errorf("retrain outcome = %v / %v", got.Retrained, got.RetrainErrors)
	}
}

func TestPredictions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	preds, err := store.LatestPredictions(ctx, "")
	if err != nil || preds != nil {
		t.Fatalf("LatestPredictions on empty store = %v, %v", preds, err)
	}

	older := []models.Prediction{
		{StationID: "SBGR", RunID: "r1", IssuedAt: t0, TargetDate: t0.AddDate(0, 0, 1), TempMax: 27, TempMin: 16},
		{StationID: "SBRJ", RunID: "r1", IssuedAt: t0, TargetDate: t0.AddDate(0, 0, 1), TempMax: 31, TempMin: 23},
	}
	newer := []models.Prediction{
		{StationID: "SBGR", RunID: "r2", IssuedAt: t0.AddDate(0, 0, 1), TargetDate: t0.AddDate(0, 0, 2), TempMax: 25, TempMin: 15, MaxTrainingRunID: "m", MinTrainingRunID: "n"},
	}
	if err := store.InsertPredictions(ctx, older); err != nil {
		t.Fatalf("InsertPredictions: %v", err)
	}
	if err := store.InsertPredictions(ctx, newer); err != nil {
		t.Fatalf("InsertPredictions: %v", err)
	}

	preds, err = store.LatestPredictions(ctx, "")
	if err != nil {
		t.Fatalf("LatestPredictions: %v", err)
	}
	if len(preds) != 1 || preds[0].RunID != "r2" || preds[0].MaxTrainingRunID != "m" {
		t.Errorf("latest = %+v", preds)
	}

	preds, err = store.LatestPredictions(ctx, "SBRJ")
	if err != nil {
		t.Fatalf("LatestPredictions: %v", err)
	}
	if len(preds) != 1 || preds[0].RunID != "r1" || preds[0].TempMax != 31 {
		t.Errorf("SBRJ = %+v", preds)
	}
}

func TestIngestRunAudit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ok, err := store.StartIngestRun(ctx, "cptec", "estacao/condicoesAtuais", "SBGR", "")
	if err != nil {
		t.Fatalf("StartIngestRun: %v", err)
	}
	ok.Success = true
	ok.HTTPStatus = sql.NullInt64{Int64: 200, Valid: true}
	ok.RecordsStored = sql.NullInt64{Int64: 1, Valid: true}
	if err := store.CompleteIngestRun(ctx, ok); err != nil {
		t.Fatalf("CompleteIngestRun: %v", err)
	}

	bad, err := store.StartIngestRun(ctx, "cptec", "cidade/previsao", "", "244")
	if err != nil {
		t.Fatalf("StartIngestRun: %v", err)
	}
	bad.ErrorMessage = sql.NullString{String: "HTTP 503", Valid: true}
	if err := store.CompleteIngestRun(ctx, bad); err != nil {
		t.Fatalf("CompleteIngestRun: %v", err)
	}

	health, err := store.GetIngestHealth(ctx, 7)
	if err != nil {
		t.Fatalf("GetIngestHealth: %v", err)
	}
	if len(health) != 2 {
		t.Fatalf("health rows = %d, want 2", len(health))
	}
	var success, failed int
	for _, h := range health {
		success += h.SuccessRuns
		failed += h.FailedRuns
	}
	if success != 1 || failed != 1 {
		t.Errorf("success=%d failed=%d", success, failed)
	}

	errs, err := store.GetRecentIngestErrors(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecentIngestErrors: %v", err)
	}
	if len(errs) != 1 || errs[0].ErrorMessage.String != "HTTP 503" || errs[0].LocationID.String != "244" {
		t.Errorf("errors = %+v", errs)
	}
}

func TestRawPayloads(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	payload := []byte(`<metar><codigo>SBGR</codigo></metar>`)
	ref := PayloadRef{Source: "cptec", Endpoint: "estacao/condicoesAtuais", StationID: "SBGR"}

	id, err := store.StoreRawPayload(ctx, ref, payload)
	if err != nil {
		t.Fatalf("StoreRawPayload: %v", err)
	}
	if id == 0 {
		t.Fatal("StoreRawPayload returned id 0 for a new payload")
	}

	dup, err := store.StoreRawPayload(ctx, ref, payload)
	if err != nil {
		t.Fatalf("StoreRawPayload duplicate: %v", err)
	}
	if dup != 0 {
		t.Errorf("duplicate id = %d, want 0", dup)
	}

	got, err := store.GetRawPayload(ctx, id)
	if err != nil {
		t.Fatalf("GetRawPayload: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q", got)
	}

	n, err := store.CleanupOldRawPayloads(ctx, 30)
	if err != nil {
		t.Fatalf("CleanupOldRawPayloads: %v", err)
	}
	if n != 0 {
		t.Errorf("cleaned %d fresh payloads", n)
	}
}

func TestFlowLeases(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ttl := time.Hour

	acquire := func(flow, holder string, at time.Time) bool {
		t.Helper()
		ok, err := store.AcquireLease(ctx, flow, holder, at, ttl)
		if err != nil {
			t.Fatalf("AcquireLease(%s, %s): %v", flow, holder, err)
		}
		return ok
	}

	if !acquire("retrain", "serve", t0) {
		t.Fatal("first lease refused")
	}
	if acquire("retrain", "cli", t0.Add(time.Minute)) {
		t.Error("second holder got a held lease")
	}
	if !acquire("ingest", "cli", t0.Add(time.Minute)) {
		t.Error("leases on other flows are independent")
	}
	if !acquire("retrain", "serve", t0.Add(2*time.Minute)) {
		t.Error("holder could not renew its own lease")
	}

	// releasing someone else's lease does nothing
	if err := store.ReleaseLease(ctx, "retrain", "cli"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if acquire("retrain", "cli", t0.Add(3*time.Minute)) {
		t.Error("foreign release dropped the lease")
	}

	// an expired lease can be taken over
	if !acquire("retrain", "cli", t0.Add(2*time.Minute+ttl)) {
		t.Error("expired lease was not taken over")
	}

	if err := store.ReleaseLease(ctx, "retrain", "cli"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if !acquire("retrain", "serve", t0.Add(2*time.Minute+ttl)) {
		t.Error("released lease was not free")
	}
}
