package mcp

import "github.com/mark3labs/mcp-go/mcp"

var pipelineStatusTool = mcp.NewTool("get_pipeline_status",
	mcp.WithDescription("Get the insight pipeline's state for a session: stage, revision, failure details and usage."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session identifier"),
	),
)

var triggerPipelineTool = mcp.NewTool("trigger_pipeline",
	mcp.WithDescription("Start the insight pipeline for a session. A no-op while a run is in flight or once the session is complete, unless force is set."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session identifier"),
	),
	mcp.WithBoolean("force",
		mcp.Description("Re-run a completed session, discarding its previous result"),
	),
)

var getReportTool = mcp.NewTool("get_report",
	mcp.WithDescription("Get the Markdown report for a session's latest pipeline run, with every visualization value evaluated."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session identifier"),
	),
)

var getBenchmarksTool = mcp.NewTool("get_benchmarks",
	mcp.WithDescription("Benchmark every metric of a session against the clinical registry: percentile, category and classification, plus limb asymmetry."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session identifier"),
	),
)

var lookupMetricTool = mcp.NewTool("lookup_metric",
	mcp.WithDescription("Get a metric's registry definition: thresholds, direction, unit, MCID and citation."),
	mcp.WithString("name",
		mcp.Required(),
		mcp.Description("Registry metric name, e.g. peakFlexion"),
	),
)

var validateFormulaTool = mcp.NewTool("validate_formula",
	mcp.WithDescription("Check a formula's syntax and that every metric path it names is registered."),
	mcp.WithString("formula",
		mcp.Required(),
		mcp.Description("Formula, e.g. abs(leftLeg.peakFlexion - rightLeg.peakFlexion)"),
	),
)

var evaluateFormulaTool = mcp.NewTool("evaluate_formula",
	mcp.WithDescription("Evaluate a formula or metric path against a stored session, with the patient's earlier sessions as temporal context."),
	mcp.WithString("formula",
		mcp.Required(),
		mcp.Description("Formula or metric path"),
	),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session identifier"),
	),
	mcp.WithString("target",
		mcp.Description("Metric path that temporal variables (previous, baseline, average) refer to"),
	),
)

var searchEvidenceTool = mcp.NewTool("search_evidence",
	mcp.WithDescription("Search the clinical evidence cache by similarity."),
	mcp.WithString("query",
		mcp.Required(),
		mcp.Description("Natural language description of the finding"),
	),
	mcp.WithString("min_tier",
		mcp.Description("Minimum evidence tier (default B)"),
		mcp.Enum("S", "A", "B", "C", "D"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of results to return (default 5)"),
	),
)
