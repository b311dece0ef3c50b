// Package servicetype parses and renders DNS-SD service-type strings of
// the form "_name._proto" and its selective-instance-enumeration variant
// "_subtype._sub._name._proto", per RFC 6763 sections 4 and 7.1.
package servicetype

import (
	"strings"

	"github.com/arnegard/mdnssd/mdnserr"
)

// subLabel is the reserved label that marks a selective-instance
// enumeration (subtype) service-type string.
const subLabel = "sub"

// ServiceType is the parsed (name, protocol, subtype) triple identifying a
// DNS-SD service, such as "_http._tcp" or "_printer._sub._http._tcp".
type ServiceType struct {
	Name     string
	Protocol string
	Subtype  string
}

// Parse parses s into a ServiceType. It strips one leading underscore from
// each label and locates the "sub" marker label to recognise the subtype
// form. An empty string, or one with "sub" as its first label, is invalid.
func Parse(s string) (ServiceType, error) {
	labels := splitLabels(s)

	if len(labels) == 0 {
		return ServiceType{}, &mdnserr.InvalidInput{
			Field:  "service type",
			Reason: "must not be empty",
		}
	}

	subIndex := -1
	for i, l := range labels {
		if l == subLabel {
			subIndex = i
			break
		}
	}

	if subIndex == 0 {
		return ServiceType{}, &mdnserr.InvalidInput{
			Field:  "service type",
			Reason: "'_sub' may not be the first label",
		}
	}

	var t ServiceType

	if subIndex > 0 {
		if subIndex < 1 || len(labels) < subIndex+3 {
			return ServiceType{}, &mdnserr.InvalidInput{
				Field:  "service type",
				Reason: "subtype form requires '<sub>._sub.<name>.<proto>'",
			}
		}

		t.Subtype = labels[subIndex-1]
		t.Name = labels[subIndex+1]
		t.Protocol = labels[subIndex+2]
	} else {
		if len(labels) < 2 {
			return ServiceType{}, &mdnserr.InvalidInput{
				Field:  "service type",
				Reason: "must specify both a name and a protocol",
			}
		}

		t.Name = labels[0]
		t.Protocol = labels[1]
	}

	if t.Name == "" || t.Protocol == "" {
		return ServiceType{}, &mdnserr.InvalidInput{
			Field:  "service type",
			Reason: "name and protocol must not be empty",
		}
	}

	return t, nil
}

// splitLabels splits s on "." and strips a single leading underscore from
// each non-empty label.
func splitLabels(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ".")
	labels := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		labels = append(labels, strings.TrimPrefix(p, "_"))
	}

	return labels
}

// String renders t back into its canonical DNS-SD wire form.
func (t ServiceType) String() string {
	var b strings.Builder

	if t.Subtype != "" {
		b.WriteString("_")
		b.WriteString(t.Subtype)
		b.WriteString("._sub.")
	}

	b.WriteString("_")
	b.WriteString(t.Name)
	b.WriteString("._")
	b.WriteString(t.Protocol)

	return b.String()
}
