// Package ir provides the core data model shared by every ledgerguard package.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Amounts are decimal.Decimal, never floats
//   - A StateReference identifies one version of an entity; once archived it
//     is never valid again
//   - All JSON tags use snake_case
package ir
