package resolver

import "testing"

func TestResolveLongestPrefixWins(t *testing.T) {
	table := NewTable(
		[]Entry{
			{HostPort: "mirror.example:80", PathPrefix: "/debian", Repo: "debian"},
			{HostPort: "mirror.example:80", PathPrefix: "/debian/security", Repo: "debian-security"},
		},
		[]RepoDescriptor{
			{Name: "debian", Backends: []string{"http://a/debian"}},
			{Name: "debian-security", Backends: []string{"http://a/debian-security"}},
		},
	)

	repo, rest, ok := table.Resolve("mirror.example:80", "/debian/security/dists/stable/Release")
	if !ok {
		t.Fatal("expected a match")
	}
	if repo.Name != "debian-security" {
		t.Fatalf("expected longest-prefix repo debian-security, got %s", repo.Name)
	}
	if rest != "/dists/stable/Release" {
		t.Fatalf("unexpected rest path %q", rest)
	}
}

func TestResolveIsDeterministicAcrossInvocations(t *testing.T) {
	table := NewTable(
		[]Entry{{HostPort: "h:80", PathPrefix: "/p", Repo: "r"}},
		[]RepoDescriptor{{Name: "r", Backends: []string{"http://x"}}},
	)
	first, rest1, ok1 := table.Resolve("h:80", "/p/x")
	second, rest2, ok2 := table.Resolve("h:80", "/p/x")
	if ok1 != ok2 || rest1 != rest2 || first != second {
		t.Fatal("Resolve must be deterministic for repeated calls with the same input")
	}
}

func TestResolveNoMatchFallsBackToExplicitTarget(t *testing.T) {
	table := NewTable(nil, nil)
	_, _, ok := table.Resolve("unknown.example:443", "/anything")
	if ok {
		t.Fatal("expected no match for an unconfigured host")
	}
}
