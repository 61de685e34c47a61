// Package topic analyses and validates topic strings and subscription
// patterns.
//
// A topic is a UTF-8 string split on "/" into segments. Segments are case
// sensitive and may be empty, so "a//b" has three segments and "/" has two.
// A pattern may additionally use two wildcard segments:
//   - "+" matches exactly one segment
//   - "#" matches the remainder of the topic, including nothing at all
//
// A topic whose first segment starts with "$" is a system topic. A "#" at the
// root of a pattern never matches a system topic; a "+" at the root does,
// unless strict system matching is requested.
//
// Example usage:
//
//	a, err := topic.AnalyzePattern("sensors/+/temperature/#", topic.Strict)
//	if err != nil {
//		return err
//	}
//	fmt.Println(a.Depth(), a.HasWildcards())
//
//	ok := topic.Match("sensors/+/temperature/#", "sensors/kitchen/temperature", false)
package topic
