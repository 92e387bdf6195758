// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package plan_test

import "os"

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
