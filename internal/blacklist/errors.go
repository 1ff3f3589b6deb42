package blacklist

import "errors"

// ErrMalformed wraps every rule-list validation failure.
var ErrMalformed = errors.New("blacklist: malformed rule list")
