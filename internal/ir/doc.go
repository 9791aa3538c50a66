// Package ir provides the value model and rule types shared by every other
// cascade package.
//
// ir imports nothing internal. All other internal packages import ir.
//
// Key constraints:
//   - NO float types anywhere - numbers are int64
//   - Canonical JSON (sorted keys, NFC strings) is the only encoding used for
//     signatures and record ids
//   - All JSON tags use snake_case
//   - Records carry a logical seq, never a wall-clock timestamp
package ir
