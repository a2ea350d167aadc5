// Package pipeline holds the registry mapping pipeline kinds to their Go
// implementations. Each kind contributes a parameter struct, decoded from
// the pipeline block's HCL body, and a run function invoked through
// reflection once per configured pipeline. Registration happens at startup
// from each pipeline package's Module value.
package pipeline
