package twilio

import (
	"encoding/xml"
	"strings"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Say     string       `xml:"Say,omitempty"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// connectStream renders the TwiML that greets the caller and bridges the
// call to the media stream at url. Non-empty params reach the stream start
// event as custom parameters.
func connectStream(greeting, url string, params map[string]string, order ...string) ([]byte, error) {
	resp := twimlResponse{Say: strings.TrimSpace(greeting)}
	resp.Connect.Stream.URL = url
	for _, name := range order {
		if v := strings.TrimSpace(params[name]); v != "" {
			resp.Connect.Stream.Parameters = append(resp.Connect.Stream.Parameters, twimlParameter{Name: name, Value: v})
		}
	}
	body, err := xml.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
