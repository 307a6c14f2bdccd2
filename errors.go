package greactor

import "errors"

// ErrClosing is what Server.Start returns once Stop has shut the server
// down.
var ErrClosing = errors.New("greactor: server closing")
