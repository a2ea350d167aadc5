// Package config loads voxelflow job files. A job file is HCL with one
// optional engine block, an optional events block, and any number of
// pipeline blocks:
//
//	engine {
//	  workers   = 8
//	  work_dir  = "./work"
//	  benchmark = true
//	}
//
//	pipeline "increment" "bb_bench" {
//	  input_dir  = "./chunks"
//	  output_dir = "./out"
//	  iterations = 10
//	  delay      = "100ms"
//	}
//
// Pipeline bodies are format-checked against the registered pipeline kind's
// parameter struct at run time; until then they are carried as raw HCL.
// Expressions may reference `env`, an object holding the process
// environment. A YAML profile file can overlay the engine settings, the
// analog of handing the original's scheduler a site-specific template.
package config
