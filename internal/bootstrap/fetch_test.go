package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/policy"
)

type stubFetcher struct {
	paths map[string]string
	err   error
}

func (f stubFetcher) Fetch(ctx context.Context, sourceURI string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.paths[sourceURI], nil
}

type stubVerifier struct {
	failFor             map[string]bool
	digests             map[string]string
	checksumMismatchFor map[string]bool
}

func (v stubVerifier) Verify(ctx context.Context, sourceURI, key string) (string, error) {
	if v.failFor[sourceURI] {
		return "", errors.New("signature mismatch")
	}
	return v.digests[sourceURI], nil
}

func (v stubVerifier) VerifyLocalFileChecksum(ctx context.Context, localPath, manifestDigest string) error {
	if v.checksumMismatchFor[localPath] {
		return errors.New("local file digest does not match manifest digest")
	}
	return nil
}

func TestFetchPoliciesPopulatesLocalPath(t *testing.T) {
	set, err := policy.NewSet(map[string]policy.Evaluable{
		"pod-privileged": &policy.Spec{Name: "pod-privileged", SourceURI: "registry://pod-privileged:v1", Mode: policy.ModeProtect},
	})
	require.NoError(t, err)

	fetcher := stubFetcher{paths: map[string]string{"registry://pod-privileged:v1": "/tmp/pod-privileged.wasm"}}
	require.NoError(t, FetchPolicies(context.Background(), set, fetcher, nil, nil))

	entry, ok := set.Get("pod-privileged")
	require.True(t, ok)
	assert.Equal(t, "/tmp/pod-privileged.wasm", entry.(*policy.Spec).LocalPath)
}

func TestFetchPoliciesPopulatesGroupMemberLocalPaths(t *testing.T) {
	set, err := policy.NewSet(map[string]policy.Evaluable{
		"combined": &policy.GroupSpec{
			Name:       "combined",
			Mode:       policy.ModeProtect,
			Expression: "a() && b()",
			Members: map[string]policy.GroupMember{
				"a": {SourceURI: "registry://a:v1"},
				"b": {SourceURI: "registry://b:v1"},
			},
		},
	})
	require.NoError(t, err)

	fetcher := stubFetcher{paths: map[string]string{
		"registry://a:v1": "/tmp/a.wasm",
		"registry://b:v1": "/tmp/b.wasm",
	}}
	require.NoError(t, FetchPolicies(context.Background(), set, fetcher, nil, nil))

	entry, ok := set.Get("combined")
	require.True(t, ok)
	group := entry.(*policy.GroupSpec)
	assert.Equal(t, "/tmp/a.wasm", group.Members["a"].LocalPath)
	assert.Equal(t, "/tmp/b.wasm", group.Members["b"].LocalPath)
}

func TestFetchPoliciesFailsFastOnVerificationError(t *testing.T) {
	set, err := policy.NewSet(map[string]policy.Evaluable{
		"pod-privileged": &policy.Spec{Name: "pod-privileged", SourceURI: "registry://untrusted:v1", Mode: policy.ModeProtect},
	})
	require.NoError(t, err)

	fetcher := stubFetcher{paths: map[string]string{"registry://untrusted:v1": "/tmp/untrusted.wasm"}}
	verifier := stubVerifier{failFor: map[string]bool{"registry://untrusted:v1": true}}

	err = FetchPolicies(context.Background(), set, fetcher, verifier, []string{"key1"})
	require.Error(t, err)

	entry, ok := set.Get("pod-privileged")
	require.True(t, ok)
	assert.Empty(t, entry.(*policy.Spec).LocalPath)
}

func TestFetchPoliciesFailsFastOnFetchError(t *testing.T) {
	set, err := policy.NewSet(map[string]policy.Evaluable{
		"pod-privileged": &policy.Spec{Name: "pod-privileged", SourceURI: "registry://missing:v1", Mode: policy.ModeProtect},
	})
	require.NoError(t, err)

	fetcher := stubFetcher{err: errors.New("registry unreachable")}
	err = FetchPolicies(context.Background(), set, fetcher, nil, nil)
	require.Error(t, err)
}

func TestFetchPoliciesFailsFastWhenVerificationEnabledWithoutKeys(t *testing.T) {
	set, err := policy.NewSet(map[string]policy.Evaluable{
		"pod-privileged": &policy.Spec{Name: "pod-privileged", SourceURI: "registry://pod-privileged:v1", Mode: policy.ModeProtect},
	})
	require.NoError(t, err)

	fetcher := stubFetcher{paths: map[string]string{"registry://pod-privileged:v1": "/tmp/pod-privileged.wasm"}}
	verifier := stubVerifier{}

	err = FetchPolicies(context.Background(), set, fetcher, verifier, nil)
	require.Error(t, err)
}

func TestFetchPoliciesFailsFastOnLocalChecksumMismatch(t *testing.T) {
	set, err := policy.NewSet(map[string]policy.Evaluable{
		"pod-privileged": &policy.Spec{Name: "pod-privileged", SourceURI: "registry://pod-privileged:v1", Mode: policy.ModeProtect},
	})
	require.NoError(t, err)

	fetcher := stubFetcher{paths: map[string]string{"registry://pod-privileged:v1": "/tmp/pod-privileged.wasm"}}
	verifier := stubVerifier{
		digests:             map[string]string{"registry://pod-privileged:v1": "sha256:abc"},
		checksumMismatchFor: map[string]bool{"/tmp/pod-privileged.wasm": true},
	}

	err = FetchPolicies(context.Background(), set, fetcher, verifier, []string{"key1"})
	require.Error(t, err)

	entry, ok := set.Get("pod-privileged")
	require.True(t, ok)
	assert.Empty(t, entry.(*policy.Spec).LocalPath)
}

func TestFetchPoliciesVerifiesAgainstEveryConfiguredKey(t *testing.T) {
	set, err := policy.NewSet(map[string]policy.Evaluable{
		"pod-privileged": &policy.Spec{Name: "pod-privileged", SourceURI: "registry://pod-privileged:v1", Mode: policy.ModeProtect},
	})
	require.NoError(t, err)

	fetcher := stubFetcher{paths: map[string]string{"registry://pod-privileged:v1": "/tmp/pod-privileged.wasm"}}
	var seenKeys []string
	verifier := recordingVerifier{seen: &seenKeys, digest: "sha256:abc"}

	require.NoError(t, FetchPolicies(context.Background(), set, fetcher, verifier, []string{"key1", "key2"}))
	assert.Equal(t, []string{"key1", "key2"}, seenKeys)
}

// recordingVerifier records every key it was asked to verify against, so
// tests can assert every configured key was actually used, not just the
// first.
type recordingVerifier struct {
	seen   *[]string
	digest string
}

func (v recordingVerifier) Verify(ctx context.Context, sourceURI, key string) (string, error) {
	*v.seen = append(*v.seen, key)
	return v.digest, nil
}

func (v recordingVerifier) VerifyLocalFileChecksum(ctx context.Context, localPath, manifestDigest string) error {
	if manifestDigest != v.digest {
		return errors.New("digest mismatch")
	}
	return nil
}
