package workflows

import "github.com/stretchr/testify/mock"

// anyArgs matches the context and payload of an activity call.
var anyArgs = []interface{}{mock.Anything, mock.Anything}
