package envelope

import "testing"

// Assertion helpers for use inside test functions. Each one fails the
// running test with the underlying error message.

func AssertTrueReturn(t testing.TB, ret Return) {
	t.Helper()
	if err := TrueReturn(ret); err != nil {
		t.Fatal(err)
	}
}

func AssertFalseReturn(t testing.TB, ret Return) {
	t.Helper()
	if err := FalseReturn(ret); err != nil {
		t.Fatal(err)
	}
}

func AssertNoneReturn(t testing.TB, ret Return) {
	t.Helper()
	if err := NoneReturn(ret); err != nil {
		t.Fatal(err)
	}
}

func AssertNonEmpty(t testing.TB, ret Return) {
	t.Helper()
	if err := NonEmpty(ret); err != nil {
		t.Fatal(err)
	}
}

func AssertInComment(t testing.TB, substring string, ret Return) {
	t.Helper()
	if err := InComment(substring, ret); err != nil {
		t.Fatal(err)
	}
}

func AssertNotInComment(t testing.TB, substring string, ret Return) {
	t.Helper()
	if err := NotInComment(substring, ret); err != nil {
		t.Fatal(err)
	}
}

func AssertCommentMatches(t testing.TB, ret Return, pattern string) {
	t.Helper()
	if err := CommentMatches(ret, pattern); err != nil {
		t.Fatal(err)
	}
}

func AssertInWarnings(t testing.TB, warning string, ret Return) {
	t.Helper()
	if err := InWarnings(warning, ret); err != nil {
		t.Fatal(err)
	}
}

func AssertNotInWarnings(t testing.TB, warning string, ret Return) {
	t.Helper()
	if err := NotInWarnings(warning, ret); err != nil {
		t.Fatal(err)
	}
}

func AssertIn(t testing.TB, item interface{}, ret Return, path ...string) {
	t.Helper()
	if err := In(item, ret, path...); err != nil {
		t.Fatal(err)
	}
}

func AssertNotIn(t testing.TB, item interface{}, ret Return, path ...string) {
	t.Helper()
	if err := NotIn(item, ret, path...); err != nil {
		t.Fatal(err)
	}
}

func AssertStateChangesEqual(t testing.TB, ret Return, comparison interface{}, path ...string) {
	t.Helper()
	if err := StateChangesEqual(ret, comparison, path...); err != nil {
		t.Fatal(err)
	}
}

func AssertStateChangesNotEqual(t testing.TB, ret Return, comparison interface{}, path ...string) {
	t.Helper()
	if err := StateChangesNotEqual(ret, comparison, path...); err != nil {
		t.Fatal(err)
	}
}
