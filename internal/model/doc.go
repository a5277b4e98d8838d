// Package model holds the records shared by the value pipeline.
//
// Conventions:
//   - categorical columns are closed string enumerations with a Valid method;
//     switches over them are exhaustive and fall through to an error branch
//   - optional columns are pointers; loosely-typed metadata is modelled as
//     explicit extension structs (BatchMeta, AlertDetails)
//   - values are float64 on the [0,10000] scale; storage persists them as NUMERIC
package model
