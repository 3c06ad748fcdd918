// Package hcl_adapter loads workflow definitions written in HCL into the
// format-agnostic config.Workflow.
//
// A workflow file looks like:
//
//	name = "release"
//
//	step "build" {
//	  operation "command" {
//	    command = "make"
//	    args    = ["build"]
//	  }
//	  risk_factors = { command_execution = 0.2 }
//	}
//
//	step "deploy" {
//	  depends_on = ["build"]
//	  operation "command" {
//	    command      = "./deploy.sh"
//	    undo_command = "./deploy.sh"
//	    undo_args    = ["--revert"]
//	  }
//	  risk_factors = {
//	    command_execution = 0.6
//	    data_changes      = step.build.output.exit_code == 0 ? 0.3 : 1
//	  }
//	}
//
//	approval_gate "prod-gate" {
//	  steps          = ["deploy"]
//	  risk_threshold = 0.5
//	}
//
// Operation parameters are evaluated when the file is loaded. Risk factor
// expressions are kept unevaluated until the step is about to run.
package hcl_adapter
