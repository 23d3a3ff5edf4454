package httpapi

// entity is a Siren hypermedia entity (https://github.com/kevinswiber/siren),
// used for every JSON response body per spec.md §6 ("GET /swaps/{id} ->
// current SwapState projected into the API schema" as a Siren document).
type entity struct {
	Class      []string    `json:"class,omitempty"`
	Properties interface{} `json:"properties,omitempty"`
	Entities   []entity    `json:"entities,omitempty"`
	Actions    []action    `json:"actions,omitempty"`
	Links      []link      `json:"links,omitempty"`
}

// action is a Siren action object: the method/href/fields a client needs to
// perform a fund/deploy/redeem/refund step, rather than a bare parameter
// blob (SPEC_FULL.md §13 supplements this from the original's
// ToSirenAction trait).
type action struct {
	Name   string  `json:"name"`
	Title  string  `json:"title,omitempty"`
	Method string  `json:"method"`
	Href   string  `json:"href"`
	Type   string  `json:"type,omitempty"`
	Fields []field `json:"fields,omitempty"`
}

type field struct {
	Name  string      `json:"name"`
	Type  string      `json:"type,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

type link struct {
	Rel  []string `json:"rel"`
	Href string   `json:"href"`
}

func selfLink(href string) link {
	return link{Rel: []string{"self"}, Href: href}
}
