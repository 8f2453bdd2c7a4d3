// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Locking and retry primitives shared by the server core: an owner-keyed
// reentrant lock guarding each client and the EINTR retry policy used by
// every socket call.
package concurrency
