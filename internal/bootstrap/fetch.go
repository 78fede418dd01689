package bootstrap

import (
	"context"
	"fmt"

	"github.com/kubewarden/policy-server/internal/policy"
)

// Fetcher retrieves a policy module (a Wasm binary referenced by a
// registry:// or file:// URI) and returns the local filesystem path it was
// written to. The concrete implementation (OCI registry pull, local copy)
// lives outside this repository's core; cmd/policy-server wires in
// localFetcher, which resolves file:// URIs and plain paths only.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURI string) (localPath string, err error)
}

// Verifier checks a policy module's signature before it is fetched and
// re-verifies the fetched file's digest afterward, per the original's
// verify-then-fetch-then-reverify-digest staging
// (original_source/src/main.rs: verify against every configured key, keep
// the last verified manifest digest, then verify_local_file_checksum once
// the module has actually been pulled to disk). A nil Verifier disables
// verification entirely, matching KUBEWARDEN_ENABLE_VERIFICATION being
// unset.
type Verifier interface {
	// Verify checks sourceURI's signature against key and returns the
	// verified manifest digest.
	Verify(ctx context.Context, sourceURI, key string) (digest string, err error)
	// VerifyLocalFileChecksum re-computes localPath's digest and compares it
	// against the manifest digest a prior Verify call returned, failing if
	// they don't match.
	VerifyLocalFileChecksum(ctx context.Context, localPath, manifestDigest string) error
}

// FetchPolicies walks every entry in set, verifying (if verifier is
// non-nil) and fetching each module, writing the resulting local path back
// onto the Spec/GroupMember in place. It fails fast: the first error aborts
// the whole bootstrap, matching the original's "fatal_error" on any single
// policy's fetch failure. verificationKeys is consulted only when verifier
// is non-nil; an empty set with a non-nil verifier is itself fatal, matching
// the original's "Trying to verify but no keys were passed" check.
func FetchPolicies(ctx context.Context, set *policy.Set, fetcher Fetcher, verifier Verifier, verificationKeys []string) error {
	for _, name := range set.Names() {
		entry, _ := set.Get(name)

		switch p := entry.(type) {
		case *policy.Spec:
			localPath, err := verifyAndFetch(ctx, name, p.SourceURI, fetcher, verifier, verificationKeys)
			if err != nil {
				return err
			}
			p.LocalPath = localPath

		case *policy.GroupSpec:
			for memberName, member := range p.Members {
				localPath, err := verifyAndFetch(ctx, fmt.Sprintf("%s/%s", name, memberName), member.SourceURI, fetcher, verifier, verificationKeys)
				if err != nil {
					return err
				}
				member.LocalPath = localPath
				p.Members[memberName] = member
			}
		}
	}
	return nil
}

func verifyAndFetch(ctx context.Context, name, sourceURI string, fetcher Fetcher, verifier Verifier, verificationKeys []string) (string, error) {
	var manifestDigest string
	if verifier != nil {
		if len(verificationKeys) == 0 {
			return "", fmt.Errorf("policy %q: signature verification is enabled but no verification keys were configured", name)
		}
		// Verify against every configured key, keeping the digest from the
		// last iteration: the original treats all keys as verifying the same
		// manifest and only needs one digest to re-check post-fetch.
		for _, key := range verificationKeys {
			digest, err := verifier.Verify(ctx, sourceURI, key)
			if err != nil {
				return "", fmt.Errorf("policy %q: signature verification failed: %w", name, err)
			}
			manifestDigest = digest
		}
	}

	localPath, err := fetcher.Fetch(ctx, sourceURI)
	if err != nil {
		return "", fmt.Errorf("policy %q: fetching %q: %w", name, sourceURI, err)
	}

	if verifier != nil {
		if err := verifier.VerifyLocalFileChecksum(ctx, localPath, manifestDigest); err != nil {
			return "", fmt.Errorf("policy %q: local file digest does not match verified manifest digest: %w", name, err)
		}
	}

	return localPath, nil
}
