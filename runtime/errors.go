package runtime

import "errors"

// ErrNotLeader is returned by leader-only admin operations when called on a
// follower process, per §6.3's "fails with a conflict if called on a
// non-leader".
var ErrNotLeader = errors.New("scheduler runtime: this process is not the leader")
