package types

import "fmt"

// LineRange is a half-open [Start, End) range of zero-indexed buffer lines.
type LineRange struct {
	Start int
	End   int
}

// DuplicateSiblingError reports the same node appearing twice as immediate
// siblings under one parent. Ranges are in buffer order. No store writes
// happen when this is raised.
type DuplicateSiblingError struct {
	NodeID NodeID
	Ranges [2]LineRange
}

func (e *DuplicateSiblingError) Error() string {
	return fmt.Sprintf("duplicate sibling %s at lines %d and %d", e.NodeID, e.Ranges[0].Start, e.Ranges[1].Start)
}

// UncertainChildrenError reports a node seen for the first time in a parse
// whose typed child set differs from its stored set. The parser cannot tell
// whether the user edited children or just did not type them all; the caller
// decides.
type UncertainChildrenError struct {
	NodeID NodeID
	Range  LineRange
}

func (e *UncertainChildrenError) Error() string {
	return fmt.Sprintf("uncertain children for %s at lines %d-%d", e.NodeID, e.Range.Start, e.Range.End)
}

// KeyNotFoundError is semantic absence in the store. Callers translate it:
// absent content becomes the single-empty-line default.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// InvalidShortIDError reports a short id that does not resolve, or a
// configured short-id encoding that differs from the one the store was
// written with.
type InvalidShortIDError struct {
	ShortID string
	Reason  string
}

func (e *InvalidShortIDError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid short id %q: %s", e.ShortID, e.Reason)
	}
	return fmt.Sprintf("invalid short id %q", e.ShortID)
}

// CalledProcessError wraps a git subprocess failure with its combined
// output.
type CalledProcessError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CalledProcessError) Error() string {
	return fmt.Sprintf("git %v: %v: %s", e.Args, e.Err, e.Output)
}

func (e *CalledProcessError) Unwrap() error { return e.Err }

// GitMergeError is a merge conflict in the git working directory. Fatal for
// the sync cycle; the store is never touched before the merge succeeds.
type GitMergeError struct {
	Dir    string
	Output string
}

func (e *GitMergeError) Error() string {
	return fmt.Sprintf("git merge failed in %s: %s", e.Dir, e.Output)
}

// LockNotAcquiredError reports an exhausted advisory-lock retry window.
type LockNotAcquiredError struct {
	Path string
}

func (e *LockNotAcquiredError) Error() string {
	return fmt.Sprintf("could not acquire lock, possibly due to a previous crash; verify the data and remove %s manually", e.Path)
}

// InvalidFileChildrenLineError reports a node-file child line whose link
// target does not contain a node id.
type InvalidFileChildrenLineError struct {
	Line string
}

func (e *InvalidFileChildrenLineError) Error() string {
	return fmt.Sprintf("child node id for %q couldn't be parsed", e.Line)
}

// RealtimeIndexDisabledError reports a realtime backend rejecting a query
// that needs a server-side index. Not retried blindly; the operator must fix
// the backend rules.
type RealtimeIndexDisabledError struct {
	Cause error
}

func (e *RealtimeIndexDisabledError) Error() string {
	return fmt.Sprintf("realtime backend index disabled, enable indexing on the presence path: %v", e.Cause)
}

func (e *RealtimeIndexDisabledError) Unwrap() error { return e.Cause }
