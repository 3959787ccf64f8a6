package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haven-home/haven/internal/adapter"
	hverrors "github.com/haven-home/haven/internal/errors"
	"github.com/haven-home/haven/internal/models"
	"github.com/haven-home/haven/internal/registry"
	"github.com/haven-home/haven/internal/secrets"
)

type memSecretDB struct {
	mu   sync.Mutex
	rows map[string][3][]byte
}

func (m *memSecretDB) InsertSecret(id string, ciphertext, iv, tag []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[string][3][]byte)
	}
	m.rows[id] = [3][]byte{ciphertext, iv, tag}
	return nil
}

func (m *memSecretDB) GetSecret(id string) ([]byte, []byte, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, nil, nil, fmt.Errorf("secret %s: %w", id, hverrors.ErrUnknownReference)
	}
	return row[0], row[1], row[2], nil
}

func (m *memSecretDB) DeleteSecret(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

// installAdapter writes a package directory with a manifest and a shell
// script child under dir.
func installAdapter(t *testing.T, dir, adapterType, script string) {
	t.Helper()
	pkgDir := filepath.Join(dir, "haven-"+adapterType)
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatal(err)
	}
	manifest := fmt.Sprintf(`{"type":%q,"entry":"run.sh"}`, adapterType)
	if err := os.WriteFile(filepath.Join(pkgDir, registry.ManifestName), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "run.sh"), []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
}

const obedientChild = `
read -r line
echo '{"type":"ready","entities":[{"entityId":"e1","properties":[{"property":"power"}]}]}'
while read -r line; do
  rid=$(printf '%s' "$line" | sed -n 's/.*"requestId":"\([^"]*\)".*/\1/p')
  case "$line" in
  *'"type":"ping"'*) printf '{"type":"pong","requestId":"%s"}\n' "$rid" ;;
  *'"type":"execute"'*) printf '{"type":"execute_result","requestId":"%s","success":true}\n' "$rid" ;;
  *'"type":"shutdown"'*) exit 0 ;;
  esac
done
exit 0
`

type testHarness struct {
	sup      *Supervisor
	dir      string
	secrets  *secrets.Store
	secretDB *memSecretDB

	mu     sync.Mutex
	events []string
}

func (h *testHarness) record(event string) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

func (h *testHarness) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func newHarness(t *testing.T, opts Options) *testHarness {
	t.Helper()
	dir := t.TempDir()
	db := &memSecretDB{}
	sec, err := secrets.New(t.TempDir(), db)
	if err != nil {
		t.Fatalf("secrets.New failed: %v", err)
	}

	h := &testHarness{dir: dir, secrets: sec, secretDB: db}
	reg := registry.New([]string{dir})
	h.sup = New(reg, sec, Callbacks{
		OnReachabilityChange: func(adapterID string, reachable bool) {
			h.record(fmt.Sprintf("reachability:%s:%v", adapterID, reachable))
		},
		OnEntityRegistration: func(adapterID string, entities []models.EntityRegistration, groups []models.EntityGroup) {
			h.record(fmt.Sprintf("registration:%s:%d", adapterID, len(entities)))
		},
		OnStateChange: func(sc adapter.StateChange) {
			h.record(fmt.Sprintf("state:%s/%s", sc.AdapterID, sc.EntityID))
		},
	}, opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = h.sup.StopAll(ctx)
	})
	return h
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (h *testHarness) healthOf(adapterID string) (Health, bool) {
	for _, entry := range h.sup.Health() {
		if entry.AdapterID == adapterID {
			return entry, true
		}
	}
	return Health{}, false
}

func TestSupervisor_StartHappyPath(t *testing.T) {
	h := newHarness(t, Options{PingInterval: time.Hour})
	installAdapter(t, h.dir, "fake", obedientChild)
	h.sup.registry.Rescan()

	err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	health, ok := h.healthOf("fake-1")
	if !ok || health.State != StateRunning {
		t.Fatalf("Expected running, got %+v", health)
	}

	events := h.recorded()
	if len(events) < 2 || events[0] != "registration:fake-1:1" || events[1] != "reachability:fake-1:true" {
		t.Errorf("Expected registration then reachability, got %v", events)
	}
}

func TestSupervisor_RegistrationPrecedesStateChanges(t *testing.T) {
	// The child emits a state change immediately after ready; the fan-out
	// gate must still deliver the registration first.
	script := `
read -r line
echo '{"type":"ready","entities":[{"entityId":"pir-1","properties":[{"property":"occupancy"}]}]}'
echo '{"type":"state_changed","entityId":"pir-1","property":"occupancy","state":true}'
while read -r line; do
  case "$line" in *'"type":"shutdown"'*) exit 0 ;; esac
done
`
	h := newHarness(t, Options{PingInterval: time.Hour})
	installAdapter(t, h.dir, "fake", script)
	h.sup.registry.Rescan()

	if err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		for _, e := range h.recorded() {
			if e == "state:fake-1/pir-1" {
				return true
			}
		}
		return false
	}, "state change never delivered")

	events := h.recorded()
	regIdx, stateIdx := -1, -1
	for i, e := range events {
		if strings.HasPrefix(e, "registration:") && regIdx == -1 {
			regIdx = i
		}
		if strings.HasPrefix(e, "state:") && stateIdx == -1 {
			stateIdx = i
		}
	}
	if regIdx == -1 || stateIdx == -1 || regIdx > stateIdx {
		t.Errorf("Expected registration before state change, got %v", events)
	}
}

func TestSupervisor_UnknownTypeIsPermanent(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "ghost-1", Type: "ghost", ConfigBag: map[string]any{},
	})
	if !errors.Is(err, hverrors.ErrUnknownAdapterType) {
		t.Fatalf("Expected ErrUnknownAdapterType, got %v", err)
	}
	if _, ok := h.healthOf("ghost-1"); ok {
		t.Error("A resolve failure must not leave a managed entry behind")
	}
}

func TestSupervisor_UnknownSecretIsPermanent(t *testing.T) {
	h := newHarness(t, Options{BackoffFloor: 20 * time.Millisecond})
	installAdapter(t, h.dir, "fake", obedientChild)
	h.sup.registry.Rescan()

	err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake",
		ConfigBag: map[string]any{"token": secrets.ReferencePrefix + strings.Repeat("00", 16)},
	})
	if !errors.Is(err, hverrors.ErrUnknownReference) {
		t.Fatalf("Expected ErrUnknownReference, got %v", err)
	}

	// No restart gets scheduled for a permanent failure.
	time.Sleep(100 * time.Millisecond)
	health, _ := h.healthOf("fake-1")
	if health.RestartCount != 0 {
		t.Errorf("Expected no restarts, got %d", health.RestartCount)
	}
}

func TestSupervisor_SecretsResolvedAtLaunch(t *testing.T) {
	h := newHarness(t, Options{PingInterval: time.Hour})

	ref, err := h.secrets.Store("plain-token-xyz")
	if err != nil {
		t.Fatalf("secret store failed: %v", err)
	}

	dump := filepath.Join(t.TempDir(), "init.json")
	script := fmt.Sprintf(`
read -r line
printf '%%s' "$line" > %q
echo '{"type":"ready","entities":[]}'
while read -r line; do
  case "$line" in *'"type":"shutdown"'*) exit 0 ;; esac
done
`, dump)
	installAdapter(t, h.dir, "fake", script)
	h.sup.registry.Rescan()

	if err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake",
		ConfigBag: map[string]any{"token": ref, "host": "h"},
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	data, err := os.ReadFile(dump)
	if err != nil {
		t.Fatalf("init dump missing: %v", err)
	}
	if !strings.Contains(string(data), "plain-token-xyz") {
		t.Error("Expected resolved plaintext in the init config")
	}
	if strings.Contains(string(data), secrets.ReferencePrefix) {
		t.Error("A raw secret reference leaked into the child's init")
	}
}

func TestSupervisor_DuplicateStartRejected(t *testing.T) {
	h := newHarness(t, Options{PingInterval: time.Hour})
	installAdapter(t, h.dir, "fake", obedientChild)
	h.sup.registry.Rescan()

	rec := &models.AdapterRecord{ID: "fake-1", Type: "fake", ConfigBag: map[string]any{}}
	if err := h.sup.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.sup.Start(context.Background(), rec); err == nil {
		t.Fatal("Expected duplicate start to be rejected")
	}
}

func TestSupervisor_CrashTriggersBackoffRestart(t *testing.T) {
	h := newHarness(t, Options{
		PingInterval: time.Hour,
		BackoffFloor: 30 * time.Millisecond,
	})

	// First spawn dies before ready; later spawns behave.
	marker := filepath.Join(t.TempDir(), "first-run")
	script := fmt.Sprintf(`
if [ ! -f %q ]; then
  touch %q
  exit 1
fi
`, marker, marker) + obedientChild
	installAdapter(t, h.dir, "fake", script)
	h.sup.registry.Rescan()

	err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	})
	if err == nil {
		t.Fatal("Expected the first boot to fail")
	}

	waitFor(t, 10*time.Second, func() bool {
		health, ok := h.healthOf("fake-1")
		return ok && health.State == StateRunning
	}, "adapter never recovered via backoff restart")

	health, _ := h.healthOf("fake-1")
	if health.RestartCount < 1 {
		t.Errorf("Expected at least one recorded restart, got %d", health.RestartCount)
	}
}

func TestSupervisor_RunningCrashReboots(t *testing.T) {
	h := newHarness(t, Options{
		PingInterval: time.Hour,
		BackoffFloor: 30 * time.Millisecond,
	})

	// The child registers, then dies on the first request it sees; on later
	// runs it behaves.
	marker := filepath.Join(t.TempDir(), "crashed-once")
	script := fmt.Sprintf(`
if [ -f %q ]; then
%s
fi
read -r line
echo '{"type":"ready","entities":[]}'
touch %q
exit 1
`, marker, obedientChild, marker)
	installAdapter(t, h.dir, "fake", script)
	h.sup.registry.Rescan()

	if err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		health, ok := h.healthOf("fake-1")
		return ok && health.State == StateRunning && health.RestartCount >= 1
	}, "crashed adapter never rebooted")
}

func TestSupervisor_StopDisarmsRestart(t *testing.T) {
	h := newHarness(t, Options{
		PingInterval: time.Hour,
		BackoffFloor: 50 * time.Millisecond,
	})
	installAdapter(t, h.dir, "fake", "exit 1\n")
	h.sup.registry.Rescan()

	_ = h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.sup.Stop(ctx, "fake-1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	health, _ := h.healthOf("fake-1")
	restarts := health.RestartCount
	time.Sleep(200 * time.Millisecond)
	health, _ = h.healthOf("fake-1")
	if health.State != StateStopped {
		t.Errorf("Expected stopped, got %s", health.State)
	}
	if health.RestartCount != restarts {
		t.Errorf("Restart fired after Stop: %d -> %d", restarts, health.RestartCount)
	}
}

func TestSupervisor_ExecuteRequiresRunning(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.sup.Execute(context.Background(), "missing", "e1", models.PropertyPower, nil)
	if !errors.Is(err, hverrors.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	installAdapter(t, h.dir, "fake", "exit 1\n")
	h.sup.registry.Rescan()
	_ = h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = h.sup.Stop(ctx, "fake-1")

	err = h.sup.Execute(context.Background(), "fake-1", "e1", models.PropertyPower, nil)
	if !errors.Is(err, hverrors.ErrNotRunning) {
		t.Fatalf("Expected ErrNotRunning, got %v", err)
	}
}

func TestSupervisor_ExecuteFiresEchoHook(t *testing.T) {
	var hooked []string
	var mu sync.Mutex

	h := newHarness(t, Options{PingInterval: time.Hour})
	h.sup.cb.OnExecute = func(adapterID, entityID string, property models.Property, command map[string]any) {
		mu.Lock()
		hooked = append(hooked, adapterID+"/"+entityID+":"+string(property))
		mu.Unlock()
	}
	installAdapter(t, h.dir, "fake", obedientChild)
	h.sup.registry.Rescan()

	if err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sup.Execute(ctx, "fake-1", "e1", models.PropertyPower, map[string]any{"on": true}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hooked) != 1 || hooked[0] != "fake-1/e1:power" {
		t.Errorf("Expected one echo hook call, got %v", hooked)
	}
}

func TestSupervisor_Onboarding(t *testing.T) {
	h := newHarness(t, Options{PingInterval: time.Hour})
	installAdapter(t, h.dir, "fake", obedientChild)
	h.sup.registry.Rescan()

	id, err := h.sup.StartOnboarding(context.Background(), "fake")
	if err != nil {
		t.Fatalf("StartOnboarding failed: %v", err)
	}
	if !strings.HasPrefix(id, OnboardingPrefix) {
		t.Errorf("Expected onboarding prefix, got %s", id)
	}

	health, ok := h.healthOf(id)
	if !ok || !health.Onboarding || health.State != StateRunning {
		t.Fatalf("Expected a running onboarding handle, got %+v", health)
	}

	// Starting the persistent instance tears the onboarding handle down.
	if err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool {
		_, ok := h.healthOf(id)
		return !ok
	}, "onboarding handle never torn down")
}

func TestSupervisor_StopMarksUnreachable(t *testing.T) {
	h := newHarness(t, Options{PingInterval: time.Hour})
	installAdapter(t, h.dir, "fake", obedientChild)
	h.sup.registry.Rescan()

	if err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.sup.Stop(ctx, "fake-1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	events := h.recorded()
	sawDown := false
	for _, e := range events {
		if e == "reachability:fake-1:false" {
			sawDown = true
		}
	}
	if !sawDown {
		t.Errorf("Expected a reachability false event after Stop, got %v", events)
	}
}

func TestSupervisor_PingFailureRestartMarksUnreachable(t *testing.T) {
	h := newHarness(t, Options{
		PingInterval: time.Hour,
		BackoffFloor: 30 * time.Millisecond,
	})
	installAdapter(t, h.dir, "fake", obedientChild)
	h.sup.registry.Rescan()

	if err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.sup.mu.Lock()
	m := h.sup.managed["fake-1"]
	handle := m.handle
	generation := m.generation
	h.sup.mu.Unlock()

	h.sup.restartAfterPingFailure(m, handle, generation)

	waitFor(t, 10*time.Second, func() bool {
		health, ok := h.healthOf("fake-1")
		return ok && health.State == StateRunning && health.RestartCount >= 1
	}, "adapter never recovered after liveness restart")

	events := h.recorded()
	downIdx, upAgainIdx := -1, -1
	for i, e := range events {
		switch e {
		case "reachability:fake-1:false":
			if downIdx == -1 {
				downIdx = i
			}
		case "reachability:fake-1:true":
			if downIdx != -1 && upAgainIdx == -1 {
				upAgainIdx = i
			}
		}
	}
	if downIdx == -1 {
		t.Fatalf("Expected a reachability false event during the liveness restart, got %v", events)
	}
	if upAgainIdx == -1 {
		t.Errorf("Expected reachability true after the reboot, got %v", events)
	}
}

func TestSupervisor_StopDuringStartWins(t *testing.T) {
	// The child delays its ready past the Stop call; the handshake must not
	// resurrect a deliberately stopped adapter.
	script := `
read -r line
sleep 0.4
echo '{"type":"ready","entities":[]}'
while read -r line; do
  case "$line" in *'"type":"shutdown"'*) exit 0 ;; esac
done
`
	h := newHarness(t, Options{PingInterval: time.Hour})
	installAdapter(t, h.dir, "fake", script)
	h.sup.registry.Rescan()

	go func() {
		_ = h.sup.Start(context.Background(), &models.AdapterRecord{
			ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
		})
	}()

	waitFor(t, 5*time.Second, func() bool {
		health, ok := h.healthOf("fake-1")
		return ok && health.State == StateStarting
	}, "adapter never entered starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.sup.Stop(ctx, "fake-1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	time.Sleep(800 * time.Millisecond)
	health, _ := h.healthOf("fake-1")
	if health.State != StateStopped {
		t.Errorf("Expected the adapter to stay stopped, got %s", health.State)
	}
	for _, e := range h.recorded() {
		if e == "reachability:fake-1:true" {
			t.Errorf("A stopped adapter came up anyway: %v", h.recorded())
		}
	}
}

type memRecordStore struct {
	mu   sync.Mutex
	recs map[string]*models.AdapterRecord
}

func (m *memRecordStore) GetAdapter(id string) (*models.AdapterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, fmt.Errorf("adapter %s: %w", id, hverrors.ErrNotFound)
	}
	return rec, nil
}

func (m *memRecordStore) DeleteAdapter(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func TestSupervisor_DeprovisionErasesSecrets(t *testing.T) {
	h := newHarness(t, Options{PingInterval: time.Hour})
	installAdapter(t, h.dir, "fake", obedientChild)
	h.sup.registry.Rescan()

	ref, err := h.secrets.Store("hub-token")
	if err != nil {
		t.Fatalf("secret store failed: %v", err)
	}
	rec := &models.AdapterRecord{
		ID: "fake-1", Type: "fake",
		ConfigBag: map[string]any{"token": ref},
	}
	st := &memRecordStore{recs: map[string]*models.AdapterRecord{"fake-1": rec}}

	if err := h.sup.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.sup.Deprovision(ctx, st, "fake-1"); err != nil {
		t.Fatalf("Deprovision failed: %v", err)
	}

	h.secretDB.mu.Lock()
	remaining := len(h.secretDB.rows)
	h.secretDB.mu.Unlock()
	if remaining != 0 {
		t.Errorf("Expected all secret rows erased, %d remain", remaining)
	}
	if _, err := st.GetAdapter("fake-1"); !errors.Is(err, hverrors.ErrNotFound) {
		t.Errorf("Expected the record to be deleted, got %v", err)
	}
	if _, ok := h.healthOf("fake-1"); ok {
		t.Error("Expected the managed entry to be removed")
	}

	// Deleting a record that was never started still erases its secrets.
	ref2, err := h.secrets.Store("spare-token")
	if err != nil {
		t.Fatalf("secret store failed: %v", err)
	}
	st.recs["fake-2"] = &models.AdapterRecord{
		ID: "fake-2", Type: "fake",
		ConfigBag: map[string]any{"token": ref2},
	}
	if err := h.sup.Deprovision(ctx, st, "fake-2"); err != nil {
		t.Fatalf("Deprovision of an unstarted adapter failed: %v", err)
	}
	if _, err := h.secrets.Resolve(ref2); !errors.Is(err, hverrors.ErrUnknownReference) {
		t.Errorf("Expected the secret to be gone, got %v", err)
	}
}

func TestSupervisor_AdapterType(t *testing.T) {
	h := newHarness(t, Options{PingInterval: time.Hour})
	installAdapter(t, h.dir, "fake", obedientChild)
	h.sup.registry.Rescan()

	if _, ok := h.sup.AdapterType("fake-1"); ok {
		t.Error("Expected no type before the adapter is managed")
	}

	if err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got, ok := h.sup.AdapterType("fake-1")
	if !ok || got != "fake" {
		t.Errorf("AdapterType = %q, %v; want %q, true", got, ok, "fake")
	}
}

func TestSupervisor_StopAllRejectsLaterStarts(t *testing.T) {
	h := newHarness(t, Options{PingInterval: time.Hour})
	installAdapter(t, h.dir, "fake", obedientChild)
	h.sup.registry.Rescan()

	if err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-1", Type: "fake", ConfigBag: map[string]any{},
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.sup.StopAll(ctx); err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}

	if err := h.sup.Start(context.Background(), &models.AdapterRecord{
		ID: "fake-2", Type: "fake", ConfigBag: map[string]any{},
	}); err == nil {
		t.Error("Expected Start after StopAll to be rejected")
	}
}
