// Package pool
// Author: momentics <momentics@gmail.com>
//
// Fixed-size receive buffers recycled across worker lifetimes.
package pool
