package pgwire

// sessionParam describes one entry in the fixed parameter policy table:
// the value asserted at connect time, and — if non-nil — the closed set
// of values the server is allowed to report for the lifetime of the
// connection.
type sessionParam struct {
	name          string
	connectValue  string
	allowedValues []string // nil means "any value is acceptable"
}

// sessionParams is asserted, in order, as part of the StartupMessage and
// enforced on every subsequent ParameterStatus message.
var sessionParams = []sessionParam{
	{name: "client_encoding", connectValue: "UTF8", allowedValues: []string{"UTF8"}},
	{name: "DateStyle", connectValue: "ISO, MDY", allowedValues: []string{"ISO, MDY", "ISO, DMY", "ISO, YMD"}},
	{name: "TimeZone", connectValue: "GMT"},
	{name: "bytea_output", connectValue: "hex", allowedValues: []string{"hex"}},
}

func paramPolicy(name string) (sessionParam, bool) {
	for _, p := range sessionParams {
		if p.name == name {
			return p, true
		}
	}
	return sessionParam{}, false
}

// checkParameterStatus enforces the policy for one ParameterStatus
// message, returning a non-nil *Error if the reported value isn't in the
// parameter's allowed set.
func checkParameterStatus(name, value string) *Error {
	p, ok := paramPolicy(name)
	if !ok || p.allowedValues == nil {
		return nil
	}
	for _, allowed := range p.allowedValues {
		if value == allowed {
			return nil
		}
	}
	return newError(ErrCodeInvalidParameterValue, name+"="+value+" not in "+joinStrings(p.allowedValues))
}

func joinStrings(ss []string) string {
	out := "["
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out + "]"
}
