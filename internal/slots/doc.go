// File: internal/slots/doc.go
// Package slots
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Slot table mapping randomly drawn client ids to live values. The table is
// the single source of truth for which clients exist; callers run their
// construction and teardown windows through Insert and Delete so that both
// happen under the table lock.
package slots
