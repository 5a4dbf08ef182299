package checker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sydlexius/shopmon/internal/extension"
	"github.com/sydlexius/shopmon/internal/shopware"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func findByID(list []Finding, id string) *Finding {
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}

func TestResult_StatusIsMonotonic(t *testing.T) {
	r := NewResult(nil)
	r.Warning("a", "warn", "test")
	r.Error("b", "err", "test")
	r.Warning("c", "warn", "test")
	r.Success("d", "ok", "test")

	if r.Status() != Red {
		t.Errorf("status = %s, want red", r.Status())
	}
	if len(r.Checks()) != 4 {
		t.Errorf("got %d findings, want 4", len(r.Checks()))
	}
}

func TestResult_IgnoredFindingIsRecordedButDoesNotEscalate(t *testing.T) {
	r := NewResult([]string{"task.cleanup"})
	r.Warning("task.cleanup", "overdue", "task")

	if r.Status() != Green {
		t.Errorf("status = %s, want green", r.Status())
	}
	if f := findByID(r.Checks(), "task.cleanup"); f == nil || f.Level != Yellow {
		t.Errorf("ignored finding not recorded as yellow: %+v", f)
	}
}

func TestResult_SuccessNeverEscalates(t *testing.T) {
	r := NewResult(nil)
	for range 5 {
		r.Success("ok", "fine", "test")
	}
	if r.Status() != Green {
		t.Errorf("status = %s, want green", r.Status())
	}
}

func TestLevelRank(t *testing.T) {
	if !Worse(Red, Yellow) || !Worse(Yellow, Green) || Worse(Green, Red) {
		t.Error("severity order is not red > yellow > green")
	}
}

func TestTaskChecker_OverdueLongInterval(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	in := &Input{ScheduledTasks: []shopware.ScheduledTask{
		{Name: "log_entry.cleanup", Interval: 7200, Overdue: true, NextExecutionTime: &past},
		{Name: "short", Interval: 300, Overdue: true, NextExecutionTime: &past},
	}}

	p := NewPipeline([]Checker{{Name: "task", Run: checkTasks}}, testLogger())
	res := p.Run(context.Background(), in, nil)

	if res.Status() != Yellow {
		t.Errorf("status = %s, want yellow", res.Status())
	}
	checks := res.Checks()
	if len(checks) != 1 || checks[0].ID != "task.log_entry.cleanup" {
		t.Errorf("checks = %+v, want single task.log_entry.cleanup", checks)
	}

	res = p.Run(context.Background(), in, []string{"task.log_entry.cleanup"})
	if res.Status() != Green {
		t.Errorf("ignored status = %s, want green", res.Status())
	}
}

func TestTaskChecker_AllHealthy(t *testing.T) {
	in := &Input{ScheduledTasks: []shopware.ScheduledTask{{Name: "ok", Interval: 7200}}}
	res := NewResult(nil)
	if err := checkTasks(context.Background(), in, res); err != nil {
		t.Fatal(err)
	}
	checks := res.Checks()
	if len(checks) != 1 || checks[0].Level != Green || checks[0].ID != "task" {
		t.Errorf("checks = %+v, want one green task finding", checks)
	}
}

func TestEnvironmentChecker(t *testing.T) {
	tests := []struct {
		env  string
		want Level
	}{
		{"production", Green},
		{"prod", Green},
		{"staging", Green},
		{"stage", Green},
		{"dev", Yellow},
		{"", Yellow},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			res := NewResult(nil)
			in := &Input{Cache: &shopware.CacheInfo{Environment: tt.env}}
			if err := checkEnvironment(context.Background(), in, res); err != nil {
				t.Fatal(err)
			}
			if res.Status() != tt.want {
				t.Errorf("status = %s, want %s", res.Status(), tt.want)
			}
		})
	}
}

func TestSecurityChecker(t *testing.T) {
	latest := "2.0.0"
	tests := []struct {
		name    string
		version string
		exts    []extension.Extension
		want    Level
		wantID  string
	}{
		{"patched", "6.5.8.8", nil, Green, "security"},
		{"newer", "6.6.0.0", nil, Green, "security"},
		{"outdated no plugin", "6.5.0.0", nil, Red, "security.outdated"},
		{"outdated plugin inactive", "6.5.0.0", []extension.Extension{
			{Name: securityPluginName, Installed: true, Active: false, Version: "2.0.0"},
		}, Red, "security.outdated"},
		{"outdated plugin old", "6.5.0.0", []extension.Extension{
			{Name: securityPluginName, Installed: true, Active: true, Version: "1.0.0", LatestVersion: &latest},
		}, Yellow, "security.plugin-update"},
		{"outdated plugin current", "6.5.0.0", []extension.Extension{
			{Name: securityPluginName, Installed: true, Active: true, Version: "2.0.0", LatestVersion: &latest},
		}, Green, "security"},
	}
	run := securityChecker("6.5.8.8")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewResult(nil)
			in := &Input{Config: &shopware.InfoConfig{Version: tt.version}, Extensions: tt.exts}
			if err := run(context.Background(), in, res); err != nil {
				t.Fatal(err)
			}
			if res.Status() != tt.want {
				t.Errorf("status = %s, want %s", res.Status(), tt.want)
			}
			if findByID(res.Checks(), tt.wantID) == nil {
				t.Errorf("missing finding %s in %+v", tt.wantID, res.Checks())
			}
		})
	}
}

func TestWorkerChecker(t *testing.T) {
	res := NewResult(nil)
	in := &Input{Config: &shopware.InfoConfig{}}
	in.Config.AdminWorker.EnableAdminWorker = true
	if err := checkWorker(context.Background(), in, res); err != nil {
		t.Fatal(err)
	}
	if res.Status() != Yellow || findByID(res.Checks(), "worker.admin") == nil {
		t.Errorf("admin worker enabled: status %s checks %+v", res.Status(), res.Checks())
	}
}

type fakeClient struct {
	responses map[string][]froshCheck
	err       error
	calls     atomic.Int32
}

func (f *fakeClient) Get(_ context.Context, path string, out any) error {
	f.calls.Add(1)
	if f.err != nil {
		return f.err
	}
	*(out.(*[]froshCheck)) = f.responses[path]
	return nil
}

func froshInstalled() []extension.Extension {
	return []extension.Extension{{Name: froshToolsName, Installed: true, Active: true}}
}

func TestFroshTools_MapsStates(t *testing.T) {
	client := &fakeClient{responses: map[string][]froshCheck{
		"/api/_action/frosh-tools/health/status": {
			{ID: "php-version", State: "STATE_OK", Current: "8.2"},
			{ID: "queue", State: "STATE_ERROR"},
			{ID: "mysql-version", State: "STATE_WARNING", Current: "5.7", Recommended: "8.0"},
		},
		"/api/_action/frosh-tools/performance/status": {
			{ID: "opcache", State: "STATE_INFO"},
			{ID: "zend-assertions", State: "STATE_ERROR"},
		},
	}}
	in := &Input{Extensions: froshInstalled(), Client: client}
	res := NewResult(nil)
	if err := checkFroshTools(context.Background(), in, res); err != nil {
		t.Fatal(err)
	}

	checks := res.Checks()
	if findByID(checks, "frosh-tools.queue") != nil {
		t.Error("ignored frosh check was mapped")
	}
	if f := findByID(checks, "frosh-tools.mysql-version"); f == nil || f.Level != Yellow || !strings.Contains(f.Message, "recommended 8.0") {
		t.Errorf("mysql-version = %+v", f)
	}
	if f := findByID(checks, "frosh-tools.opcache"); f == nil || f.Level != Green {
		t.Errorf("opcache info state = %+v, want green", f)
	}
	if res.Status() != Red {
		t.Errorf("status = %s, want red", res.Status())
	}
}

func TestFroshTools_ConnectionFailure(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	in := &Input{Extensions: froshInstalled(), Client: client}
	res := NewResult(nil)
	if err := checkFroshTools(context.Background(), in, res); err != nil {
		t.Fatal(err)
	}
	checks := res.Checks()
	if len(checks) != 1 || checks[0].Level != Red || checks[0].ID != "frosh-tools" {
		t.Errorf("checks = %+v, want single red frosh-tools finding", checks)
	}
	if client.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", client.calls.Load())
	}
}

func TestFroshTools_NotInstalled(t *testing.T) {
	client := &fakeClient{}
	in := &Input{Extensions: []extension.Extension{{Name: froshToolsName, Installed: true, Active: false}}, Client: client}
	res := NewResult(nil)
	if err := checkFroshTools(context.Background(), in, res); err != nil {
		t.Fatal(err)
	}
	if len(res.Checks()) != 0 || client.calls.Load() != 0 {
		t.Error("inactive FroshTools should not be queried")
	}
}

func TestPipeline_IsolatesFailingChecker(t *testing.T) {
	var failed []string
	checkers := []Checker{
		{Name: "boom", Run: func(context.Context, *Input, *Result) error { panic("nil map") }},
		{Name: "broken", Run: func(_ context.Context, _ *Input, out *Result) error {
			out.Warning("broken.partial", "emitted before failing", "broken")
			return errors.New("failed")
		}},
		{Name: "healthy", Run: func(_ context.Context, _ *Input, out *Result) error {
			out.Error("healthy.red", "still reported", "healthy")
			return nil
		}},
	}
	p := NewPipeline(checkers, testLogger())
	var mu sync.Mutex
	p.OnFailure(func(name string) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, name)
	})

	res := p.Run(context.Background(), &Input{}, nil)

	if res.Status() != Red {
		t.Errorf("status = %s, want red", res.Status())
	}
	if findByID(res.Checks(), "healthy.red") == nil {
		t.Error("healthy checker finding missing")
	}
	if findByID(res.Checks(), "broken.partial") == nil {
		t.Error("finding emitted before failure was dropped")
	}
	if len(failed) != 2 {
		t.Errorf("failure hook called %d times, want 2", len(failed))
	}
}

func TestPipeline_SortsFindings(t *testing.T) {
	checkers := []Checker{
		{Name: "b", Run: func(_ context.Context, _ *Input, out *Result) error {
			out.Success("b.2", "", "b")
			out.Success("b.1", "", "b")
			return nil
		}},
		{Name: "a", Run: func(_ context.Context, _ *Input, out *Result) error {
			out.Success("a.1", "", "a")
			return nil
		}},
	}
	res := NewPipeline(checkers, testLogger()).Run(context.Background(), &Input{}, nil)
	var ids []string
	for _, f := range res.Checks() {
		ids = append(ids, f.ID)
	}
	if strings.Join(ids, ",") != "a.1,b.1,b.2" {
		t.Errorf("order = %v", ids)
	}
}

func TestBuiltins_Names(t *testing.T) {
	names := map[string]bool{}
	for _, c := range Builtins("6.5.8.8") {
		names[c.Name] = true
	}
	for _, want := range []string{"task", "environment", "security", "worker", "frosh-tools"} {
		if !names[want] {
			t.Errorf("builtin %s missing", want)
		}
	}
}
