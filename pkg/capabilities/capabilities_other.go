// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !linux

package capabilities

import "errors"

// Effective is unsupported outside Linux.
func Effective() (Set, error) {
	return 0, errors.New("capabilities are a Linux concept")
}
