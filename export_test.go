package twine

import "time"

// SetNowForTest overrides the package's time source for the duration of a
// test and returns a function that restores it. Exported via an
// export_test.go seam so external tests (package twine_test) can simulate
// route expiry without sleeping.
func SetNowForTest(t time.Time) (restore func()) {
	prev := now
	now = func() time.Time { return t }
	return func() { now = prev }
}
