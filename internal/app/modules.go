package app

import (
	"github.com/voxelflow/voxelflow/internal/pipeline"
	"github.com/voxelflow/voxelflow/pipelines/increment"
	"github.com/voxelflow/voxelflow/pipelines/kmeans"
	"github.com/voxelflow/voxelflow/pipelines/template"
)

// coreModules lists the pipeline kinds compiled into the binary.
var coreModules = []pipeline.Module{
	increment.Module{},
	kmeans.Module{},
	template.Module{},
}
