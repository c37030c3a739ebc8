package domain

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FormField is one form key with its values, in submission order.
type FormField struct {
	Key    string
	Values []string
}

// Field is shorthand for building a FormField.
func Field(key string, values ...string) FormField {
	return FormField{Key: key, Values: values}
}

// NewFormRequest builds a request carrying url-encoded form data. With data
// and no explicit method it is a POST with a form body; a GET instead
// replaces the URL query string with the encoded data.
func NewFormRequest(rawURL string, data []FormField, opts ...RequestOption) (*Request, error) {
	spec := &requestSpec{url: rawURL, method: "GET", encoding: defaultEncoding}
	for _, opt := range opts {
		opt(spec)
	}
	if len(data) == 0 {
		return spec.build()
	}
	if !spec.methodSet {
		spec.method = "POST"
	}

	qs, err := urlencode(data, spec.encoding)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(spec.method, "POST") {
		spec.headers = spec.headers.Clone()
		spec.headers.SetDefault("Content-Type", []byte("application/x-www-form-urlencoded"))
		spec.body = []byte(qs)
		spec.text = nil
	} else {
		spec.url = replaceQuery(spec.url, qs)
	}
	return spec.build()
}

func urlencode(data []FormField, enc string) (string, error) {
	var parts []string
	for _, f := range data {
		k, err := encodeString(f.Key, enc)
		if err != nil {
			return "", err
		}
		for _, v := range f.Values {
			vb, err := encodeString(v, enc)
			if err != nil {
				return "", err
			}
			parts = append(parts, url.QueryEscape(string(k))+"="+url.QueryEscape(string(vb)))
		}
	}
	return strings.Join(parts, "&"), nil
}

func replaceQuery(rawURL, query string) string {
	rest, fragment, hasFragment := strings.Cut(rawURL, "#")
	base, _, _ := strings.Cut(rest, "?")
	out := base + "?" + query
	if hasFragment {
		out += "#" + fragment
	}
	return out
}

// FormOptions selects a form inside a response and adjusts its fields.
type FormOptions struct {
	// Name, ID and CSS select the form; the first that matches wins. Number
	// indexes the document's forms when none of them is given or matches.
	Name   string
	ID     string
	CSS    string
	Number int
	// Data overrides fields found in the form. An entry with nil Values
	// removes the field.
	Data []FormField
	// ClickData picks the submit control by attribute values; the special
	// "nr" key indexes the form's inputs.
	ClickData map[string]string
	// DontClick submits without any clickable control.
	DontClick bool
}

// FormRequestFromResponse builds a FormRequest pre-populated with the fields
// of an HTML form found in resp.
func FormRequestFromResponse(resp *Response, fo FormOptions, opts ...RequestOption) (*Request, error) {
	text, err := resp.Text()
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse form page: %w", err)
	}

	form, err := selectForm(doc, resp, fo)
	if err != nil {
		return nil, err
	}

	baseURL := resp.URL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if joined, err := resp.URLJoin(strings.TrimSpace(href)); err == nil {
			baseURL = joined
		}
	}
	action := baseURL
	if a, ok := form.Attr("action"); ok {
		if action, err = joinURL(baseURL, strings.TrimSpace(a)); err != nil {
			return nil, err
		}
	}

	method := strings.ToUpper(form.AttrOr("method", "GET"))
	if method != "GET" && method != "POST" {
		method = "GET"
	}

	fields, err := formFields(form, fo)
	if err != nil {
		return nil, err
	}

	base := []RequestOption{WithMethod(method), WithEncoding(resp.Encoding())}
	return NewFormRequest(action, fields, append(base, opts...)...)
}

func joinURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func selectForm(doc *goquery.Document, resp *Response, fo FormOptions) (*goquery.Selection, error) {
	forms := doc.Find("form")
	if forms.Length() == 0 {
		return nil, fmt.Errorf("no <form> element found in %s", resp)
	}

	byAttr := func(attr, want string) *goquery.Selection {
		return forms.FilterFunction(func(_ int, s *goquery.Selection) bool {
			v, ok := s.Attr(attr)
			return ok && v == want
		})
	}
	if fo.Name != "" {
		if f := byAttr("name", fo.Name); f.Length() > 0 {
			return f.First(), nil
		}
	}
	if fo.ID != "" {
		if f := byAttr("id", fo.ID); f.Length() > 0 {
			return f.First(), nil
		}
	}
	if fo.CSS != "" {
		el := doc.Find(fo.CSS).First()
		if el.Length() > 0 {
			if goquery.NodeName(el) == "form" {
				return el, nil
			}
			if parent := el.Closest("form"); parent.Length() > 0 {
				return parent, nil
			}
		}
		return nil, fmt.Errorf("no <form> element found with %s", fo.CSS)
	}

	if fo.Number < 0 || fo.Number >= forms.Length() {
		return nil, fmt.Errorf("form number %d not found in %s", fo.Number, resp)
	}
	return forms.Eq(fo.Number), nil
}

func formFields(form *goquery.Selection, fo FormOptions) ([]FormField, error) {
	overridden := make(map[string]bool, len(fo.Data))
	for _, f := range fo.Data {
		overridden[f.Key] = true
	}

	var fields []FormField
	form.Find("input, select, textarea").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" || overridden[name] {
			return
		}
		switch goquery.NodeName(s) {
		case "textarea":
			fields = append(fields, Field(name, s.Text()))
		case "select":
			if values, ok := selectValues(s); ok {
				fields = append(fields, Field(name, values...))
			}
		default:
			typ := strings.ToLower(s.AttrOr("type", ""))
			switch typ {
			case "submit", "image", "reset":
				return
			case "checkbox", "radio":
				if _, checked := s.Attr("checked"); !checked {
					return
				}
				fields = append(fields, Field(name, s.AttrOr("value", "on")))
			default:
				fields = append(fields, Field(name, s.AttrOr("value", "")))
			}
		}
	})

	if !fo.DontClick {
		name, value, ok, err := clickable(form, fo.ClickData)
		if err != nil {
			return nil, err
		}
		if ok && name != "" && !overridden[name] {
			fields = append(fields, Field(name, value))
		}
	}

	for _, f := range fo.Data {
		if f.Values != nil {
			fields = append(fields, f)
		}
	}
	return fields, nil
}

func selectValues(s *goquery.Selection) ([]string, bool) {
	_, multiple := s.Attr("multiple")
	var values []string
	s.Find("option[selected]").Each(func(_ int, o *goquery.Selection) {
		values = append(values, optionValue(o))
	})
	if len(values) > 0 {
		if !multiple {
			values = values[len(values)-1:]
		}
		return values, true
	}
	if multiple {
		return nil, false
	}
	first := s.Find("option").First()
	if first.Length() == 0 {
		return nil, false
	}
	return []string{optionValue(first)}, true
}

func optionValue(o *goquery.Selection) string {
	if v, ok := o.Attr("value"); ok {
		return v
	}
	return strings.TrimSpace(o.Text())
}

func clickable(form *goquery.Selection, clickData map[string]string) (name, value string, ok bool, err error) {
	clickables := form.Find("input, button").FilterFunction(func(_ int, s *goquery.Selection) bool {
		typ := strings.ToLower(s.AttrOr("type", ""))
		if goquery.NodeName(s) == "button" {
			return typ == "" || typ == "submit"
		}
		return typ == "submit" || typ == "image"
	})
	if clickables.Length() == 0 {
		return "", "", false, nil
	}
	if clickData == nil {
		el := clickables.First()
		return el.AttrOr("name", ""), el.AttrOr("value", ""), true, nil
	}

	if nr, has := clickData["nr"]; has {
		if idx, convErr := strconv.Atoi(nr); convErr == nil {
			if el := form.Find("input").Eq(idx); el.Length() > 0 {
				return el.AttrOr("name", ""), el.AttrOr("value", ""), true, nil
			}
		}
	}

	matches := clickables.FilterFunction(func(_ int, s *goquery.Selection) bool {
		for k, want := range clickData {
			if k == "nr" {
				continue
			}
			if v, ok := s.Attr(k); !ok || v != want {
				return false
			}
		}
		return true
	})
	switch matches.Length() {
	case 1:
		return matches.AttrOr("name", ""), matches.AttrOr("value", ""), true, nil
	case 0:
		return "", "", false, fmt.Errorf("no clickable element matching clickdata: %v", clickData)
	default:
		return "", "", false, fmt.Errorf("multiple elements found matching the criteria in clickdata: %v", clickData)
	}
}
