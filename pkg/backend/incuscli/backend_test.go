package incuscli

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
)

// fakeRunner scripts CLI responses keyed by the joined argument string
// and records every invocation.
type fakeRunner struct {
	responses map[string]fakeResponse
	calls     [][]string
	stdins    [][]byte
}

type fakeResponse struct {
	stdout string
	stderr string
	code   int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string]fakeResponse)}
}

func (f *fakeRunner) on(args string, resp fakeResponse) {
	f.responses[args] = resp
}

func (f *fakeRunner) Run(_ context.Context, args []string, stdin []byte) (string, string, int, error) {
	f.calls = append(f.calls, args)
	f.stdins = append(f.stdins, stdin)
	if resp, ok := f.responses[strings.Join(args, " ")]; ok {
		return resp.stdout, resp.stderr, resp.code, nil
	}
	return "", "", 0, nil
}

func (f *fakeRunner) lastCall() []string {
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func testBackend(kind string, r Runner) *Backend {
	return NewBackend(kind, r, zerolog.Nop())
}

func TestFetchProfileParsesShowOutput(t *testing.T) {
	runner := newFakeRunner()
	runner.on("profile show web", fakeResponse{stdout: `
name: web
description: web servers
config:
  limits.cpu: "2"
devices:
  eth0:
    type: nic
    network: incusbr0
`})

	obj, err := testBackend("profile", runner).Fetch(context.Background(), recon.Identity{Name: "web"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["description"] != "web servers" {
		t.Errorf("description = %v", obj["description"])
	}
	if obj["config"].(map[string]string)["limits.cpu"] != "2" {
		t.Errorf("config = %v", obj["config"])
	}
	devices := obj["devices"].(map[string]map[string]string)
	if devices["eth0"]["network"] != "incusbr0" {
		t.Errorf("devices = %v", devices)
	}
}

func TestFetchInstanceFiltersRuntimeConfig(t *testing.T) {
	runner := newFakeRunner()
	runner.on("list --format=json ^web$", fakeResponse{stdout: `[{
		"name": "web",
		"status": "Running",
		"description": "",
		"profiles": ["default"],
		"config": {
			"limits.cpu": "2",
			"volatile.eth0.hwaddr": "00:16:3e:aa:bb:cc",
			"image.os": "Debian"
		},
		"devices": {}
	}]`})

	obj, err := testBackend("instance", runner).Fetch(context.Background(), recon.Identity{Name: "web"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	config := obj["config"].(map[string]string)
	if _, ok := config["volatile.eth0.hwaddr"]; ok {
		t.Error("volatile keys must be filtered")
	}
	if _, ok := config["image.os"]; ok {
		t.Error("image keys must be filtered")
	}
	if config["limits.cpu"] != "2" {
		t.Errorf("config = %v", config)
	}
	if obj["status"] != "Running" {
		t.Errorf("status = %v", obj["status"])
	}
}

func TestFetchInstanceNotFound(t *testing.T) {
	runner := newFakeRunner()
	runner.on("list --format=json ^ghost$", fakeResponse{stdout: `[]`})

	_, err := testBackend("instance", runner).Fetch(context.Background(), recon.Identity{Name: "ghost"})
	if !recon.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFetchClassifiesServerErrors(t *testing.T) {
	cases := []struct {
		stderr string
		kind   recon.ErrorKind
	}{
		{"Error: Network not found", recon.KindNotFound},
		{"Error: The profile is currently in use", recon.KindReferentialConflict},
		{"Error: The network already exists", recon.KindIdentityConflict},
		{"Error: something exploded", recon.KindBackendFailure},
	}
	for _, tc := range cases {
		runner := newFakeRunner()
		runner.on("network show net0", fakeResponse{stderr: tc.stderr, code: 1})

		_, err := testBackend("network", runner).Fetch(context.Background(), recon.Identity{Name: "net0"})
		if recon.KindOf(err) != tc.kind {
			t.Errorf("stderr %q: expected %s, got %v", tc.stderr, tc.kind, err)
		}
	}
}

func TestApplyConfigSetCommands(t *testing.T) {
	runner := newFakeRunner()
	backend := testBackend("profile", runner)
	id := recon.Identity{Name: "web"}

	if err := backend.Apply(context.Background(), id,
		recon.Mutation{Op: recon.OpSet, Field: "config", Key: "limits.cpu", Value: "4"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"profile", "set", "web", "limits.cpu=4"}
	if !reflect.DeepEqual(runner.lastCall(), want) {
		t.Errorf("got %v, want %v", runner.lastCall(), want)
	}

	if err := backend.Apply(context.Background(), id,
		recon.Mutation{Op: recon.OpUnset, Field: "config", Key: "limits.cpu"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want = []string{"profile", "unset", "web", "limits.cpu"}
	if !reflect.DeepEqual(runner.lastCall(), want) {
		t.Errorf("got %v, want %v", runner.lastCall(), want)
	}
}

func TestApplyInstanceConfigUsesConfigNoun(t *testing.T) {
	runner := newFakeRunner()

	err := testBackend("instance", runner).Apply(context.Background(), recon.Identity{Name: "web"},
		recon.Mutation{Op: recon.OpSet, Field: "config", Key: "limits.memory", Value: "2GiB"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"config", "set", "web", "limits.memory=2GiB"}
	if !reflect.DeepEqual(runner.lastCall(), want) {
		t.Errorf("got %v, want %v", runner.lastCall(), want)
	}
}

func TestApplyProjectScoping(t *testing.T) {
	runner := newFakeRunner()

	err := testBackend("instance", runner).Apply(context.Background(),
		recon.Identity{Name: "web", Project: "staging"},
		recon.Mutation{Op: recon.OpSet, Field: "config", Key: "limits.cpu", Value: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"--project", "staging", "config", "set", "web", "limits.cpu=1"}
	if !reflect.DeepEqual(runner.lastCall(), want) {
		t.Errorf("got %v, want %v", runner.lastCall(), want)
	}
}

func TestApplyDeviceAdd(t *testing.T) {
	runner := newFakeRunner()

	err := testBackend("instance", runner).Apply(context.Background(), recon.Identity{Name: "web"},
		recon.Mutation{Op: recon.OpAddItem, Field: "devices", Key: "data",
			Value: map[string]string{"type": "disk", "path": "/mnt", "source": "/data"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"config", "device", "add", "web", "data", "disk", "path=/mnt", "source=/data"}
	if !reflect.DeepEqual(runner.lastCall(), want) {
		t.Errorf("got %v, want %v", runner.lastCall(), want)
	}
}

func TestApplyDeviceReplaceRemovesFirst(t *testing.T) {
	runner := newFakeRunner()

	err := testBackend("instance", runner).Apply(context.Background(), recon.Identity{Name: "web"},
		recon.Mutation{Op: recon.OpSet, Field: "devices", Key: "data",
			Value: map[string]string{"type": "disk", "path": "/mnt2", "source": "/data"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected remove then add, got %v", runner.calls)
	}
	if got := strings.Join(runner.calls[0], " "); got != "config device remove web data" {
		t.Errorf("first call = %q", got)
	}
	if got := strings.Join(runner.calls[1], " "); got != "config device add web data disk path=/mnt2 source=/data" {
		t.Errorf("second call = %q", got)
	}
}

func TestApplyStatus(t *testing.T) {
	runner := newFakeRunner()
	backend := testBackend("instance", runner)
	id := recon.Identity{Name: "web"}

	if err := backend.Apply(context.Background(), id,
		recon.Mutation{Op: recon.OpSet, Field: "status", Value: "Stopped"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(runner.lastCall(), " "); got != "stop web" {
		t.Errorf("got %q", got)
	}

	if err := backend.Apply(context.Background(), id,
		recon.Mutation{Op: recon.OpSet, Field: "status", Value: "Running"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(runner.lastCall(), " "); got != "start web" {
		t.Errorf("got %q", got)
	}
}

func TestApplyDescriptionPatches(t *testing.T) {
	runner := newFakeRunner()

	err := testBackend("network", runner).Apply(context.Background(), recon.Identity{Name: "net0"},
		recon.Mutation{Op: recon.OpSet, Field: "description", Value: "uplink"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := runner.lastCall()
	if call[0] != "query" || call[1] != "-X" || call[2] != "PATCH" {
		t.Fatalf("expected query PATCH, got %v", call)
	}
	if call[len(call)-1] != "/1.0/networks/net0" {
		t.Errorf("path = %q", call[len(call)-1])
	}
	if !strings.Contains(call[4], `"description":"uplink"`) {
		t.Errorf("body = %q", call[4])
	}
}

func TestCreateInstance(t *testing.T) {
	runner := newFakeRunner()

	err := testBackend("instance", runner).Create(context.Background(), recon.Identity{Name: "web"},
		recon.Object{
			"profiles": []string{"default", "web"},
			"init": map[string]interface{}{
				"image": "images:debian/12",
				"vm":    true,
			},
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := strings.Join(runner.lastCall(), " ")
	want := "init images:debian/12 web --vm --profile default --profile web"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCreateStoragePoolDefaultsDriver(t *testing.T) {
	runner := newFakeRunner()

	err := testBackend("storage-pool", runner).Create(context.Background(),
		recon.Identity{Name: "fast"}, recon.Object{"init": map[string]interface{}{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(runner.lastCall(), " "); got != "storage create fast dir" {
		t.Errorf("got %q", got)
	}
}

func TestDeleteWithForce(t *testing.T) {
	runner := newFakeRunner()

	err := testBackend("instance", runner).Delete(context.Background(),
		recon.Identity{Name: "web"}, recon.DeleteOptions{Force: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(runner.lastCall(), " "); got != "delete web --force" {
		t.Errorf("got %q", got)
	}
}

func TestRenameProfile(t *testing.T) {
	runner := newFakeRunner()

	err := testBackend("profile", runner).RenameOrMove(context.Background(),
		recon.Identity{Name: "old"}, recon.Identity{Name: "new"}, recon.MoveOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(runner.lastCall(), " "); got != "profile rename old new" {
		t.Errorf("got %q", got)
	}
}

func TestRemoteNamePrefix(t *testing.T) {
	runner := newFakeRunner()

	err := testBackend("profile", runner).Apply(context.Background(),
		recon.Identity{Remote: "cluster1", Name: "web"},
		recon.Mutation{Op: recon.OpSet, Field: "config", Key: "k", Value: "v"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(runner.lastCall(), " "); got != "profile set cluster1:web k=v" {
		t.Errorf("got %q", got)
	}
}

func TestPushFileSendsContentOnStdin(t *testing.T) {
	runner := newFakeRunner()
	client := NewClient(runner, zerolog.Nop())

	err := client.PushFile(context.Background(), recon.Identity{Name: "web"},
		"/etc/motd", []byte("hello\n"), 0, 0, "0644")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := strings.Join(runner.lastCall(), " ")
	want := "file push - web/etc/motd --uid 0 --gid 0 --mode 0644"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if string(runner.stdins[len(runner.stdins)-1]) != "hello\n" {
		t.Error("content not sent on stdin")
	}
}
