// Package core orchestrates loading raw election-result files into the CDF
// store.
//
// The package holds the load pipeline and nothing transport specific; the
// CLI and the HTTP API both drive it through [Service].
//
// # Load Flow
//
// One call to [Service.LoadFile] processes one raw file:
//
//  1. The munger and jurisdiction named by the request are looked up and
//     checked against each other.
//  2. The file is fetched (local path or s3:// URI), size-checked and hashed.
//  3. The munger reads the file into long-format rows. A structural error
//     rejects the whole file and nothing is written.
//  4. Each row is canonicalized. Rows whose reporting unit or contest does
//     not resolve are excluded and logged; other unresolved values load
//     under Unknown placeholders.
//  5. Every dimension element is get-or-created through the upsert engine.
//  6. Vote counts are aggregated by natural key and written in one
//     transaction that replaces any earlier counts of the same data file.
//  7. The jurisdiction is reconciled; mismatches are warnings.
//
// A data file is identified by (file hash, election, jurisdiction, munger).
// Loading the same file twice is a no-op unless Force is set.
//
// # Error Handling
//
// Technical errors are mapped to stable user-facing codes by [MapError].
package core
