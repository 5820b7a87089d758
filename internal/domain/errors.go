// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrInvalidArgument = errors.New("invalid argument")
var ErrCheckpointRegression = errors.New("checkpoint cannot move backwards")
