// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cpu

// NoCopy is embedded in types that must not be copied after first use
// (allocators, queues, bitmaps). It implements sync.Locker so `go vet`'s
// copylocks analysis flags accidental copies.
type NoCopy struct{}

func (*NoCopy) Lock()   {}
func (*NoCopy) Unlock() {}
