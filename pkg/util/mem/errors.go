// Copyright 2025 Kestrel, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mem

import (
	"github.com/pingcap/errors"
)

var (
	// ErrArbitrationTimeout is returned when the timed reclaim lock of an
	// arbitration participant could not be acquired within the configured
	// bound. It is recoverable: the requester may retry or fail the query.
	ErrArbitrationTimeout = errors.New("memory arbitration lock timed out when reclaiming from arbitration participant")

	// ErrResourceExhausted is returned when a grow request cannot be
	// satisfied even after reclaiming from every other running participant.
	ErrResourceExhausted = errors.New("memory capacity exhausted")

	// ErrPoolAborted is returned by pool operations after the pool has been
	// aborted by the arbitrator.
	ErrPoolAborted = errors.New("memory pool aborted")

	// ErrParticipantReleased is returned when an arbitration operation is
	// submitted against a participant whose pool has been unregistered.
	ErrParticipantReleased = errors.New("arbitration participant released")
)
