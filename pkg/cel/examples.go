package cel

// FilterExpressionExamples are expressions accepted by the filter's cel
// operator. The admin API returns them as hints.
var FilterExpressionExamples = map[string]string{
	"type_equals":      `msgType == "data.request"`,
	"source_prefix":    `source.startsWith("worker-")`,
	"payload_field":    `payload.dataType == "taskResult"`,
	"numeric":          `has(payload.params) && payload.params.limit > 10`,
	"header":           `"tenant" in headers && headers.tenant == "acme"`,
	"in_list":          `msgType in ["data.request", "stream.request"]`,
	"addressed":        `destination != ""`,
	"combined":         `msgType == "data.request" && !source.startsWith("test-")`,
}

// TransformExpressionExamples compute a replacement value for a transform target.
var TransformExpressionExamples = map[string]string{
	"uppercase":   `string(value).upperAscii()`,
	"prefix":      `"tenant-" + string(value)`,
	"from_source": `source + "/" + msgType`,
	"conditional": `has(payload.urgent) && payload.urgent ? "critical" : "normal"`,
}
