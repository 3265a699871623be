package platform

import "testing"

func TestResolveUnix(t *testing.T) {
	ep := resolveFor("linux", "serverToClient_dev1")

	want := "/tmp/CoreFxPipe_serverToClient_dev1"
	if ep.ListenName != want || ep.DialPath != want {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
	if !ep.HasArtifact || ep.ArtifactPath != want {
		t.Fatalf("expected filesystem artifact at %s, got %+v", want, ep)
	}
}

func TestResolveWindowsHasNoArtifact(t *testing.T) {
	ep := resolveFor("windows", "clientToServer_dev1")

	if ep.ListenName != `\\.\pipe\clientToServer_dev1` {
		t.Fatalf("unexpected listen name %q", ep.ListenName)
	}
	if ep.HasArtifact || ep.ArtifactPath != "" {
		t.Fatalf("windows endpoints must not produce artifacts: %+v", ep)
	}
}

func TestResolveUnknownPlatformFallsBack(t *testing.T) {
	ep := resolveFor("plan9", "serverToClient_dev1")

	if ep.ListenName != "serverToClient_dev1" || ep.HasArtifact {
		t.Fatalf("expected verbatim fallback, got %+v", ep)
	}
}
