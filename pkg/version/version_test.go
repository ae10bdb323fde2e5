package version

import "testing"

func TestCurrentDefaults(t *testing.T) {
	info := Current()
	if info.Version != DevelopmentVersion {
		t.Errorf("expected dev version, got %q", info.Version)
	}
	if info.Commit != Unknown {
		t.Errorf("expected unknown commit, got %q", info.Commit)
	}
	if info.BuildTime != Unknown {
		t.Errorf("expected unknown build time, got %q", info.BuildTime)
	}
}

func TestCurrentNormalizesOverrides(t *testing.T) {
	oldVersion, oldCommit := AppVersion, GitCommit
	defer func() {
		AppVersion, GitCommit = oldVersion, oldCommit
	}()

	AppVersion = "  v1.2.3  "
	GitCommit = ""
	info := Current()
	if info.Version != "v1.2.3" {
		t.Errorf("expected trimmed version, got %q", info.Version)
	}
	if info.Commit != Unknown {
		t.Errorf("expected fallback commit, got %q", info.Commit)
	}
}
