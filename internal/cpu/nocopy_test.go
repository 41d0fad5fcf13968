// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cpu

import "testing"

// TestNoCopy tests the NoCopy sentinel type.
// NoCopy implements sync.Locker for go vet copy detection.
func TestNoCopy(t *testing.T) {
	var nc NoCopy
	nc.Lock()
	nc.Unlock()
}
