package cmd

import (
	"github.com/andresmejia3/cellbridge/internal/bridge"
	"github.com/andresmejia3/cellbridge/internal/config"
	"github.com/spf13/pflag"
)

// addWorkerFlags declares the flags every command that starts a worker needs.
func addWorkerFlags(fs *pflag.FlagSet) {
	fs.StringP(config.KeyModule, "m", "", "Path to the CellProfiler module the worker runs")
	fs.StringP(config.KeyPipeline, "p", "", "Pipeline definition file (.cppipe)")
	fs.String(config.KeyInterpreter, bridge.DefaultInterpreter, "Interpreter that runs the worker module")
	fs.StringSlice(config.KeyInterpreterArgs, nil, "Extra interpreter arguments, placed before the module path")
	fs.String(config.KeyAddressFlag, bridge.DefaultAddressFlag, "Worker option that receives the listen address")
	fs.Duration(config.KeyConnectTimeout, bridge.DefaultConnectTimeout, "How long to wait for the worker to accept connections")
	fs.Duration(config.KeyRequestTimeout, 0, "Deadline for one request to the worker (0 = none)")
}
