// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the one-shot, edge-triggered readiness multiplexer
// shared by every worker of a server. After an event fires for a descriptor
// it stays silent until explicitly re-armed, so at most one worker handles a
// given descriptor at a time.
package reactor
