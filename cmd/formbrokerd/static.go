package main

import "github.com/brennhill/formbroker/internal/listener"

// formsJS is the small helper script spec.md §4.5 describes as being
// served verbatim under the reserved "html" session ID. It submits any
// form on the page via fetch so a navigation isn't required for every
// round trip, and opens a WebSocket back to the originating session for
// app_msg traffic.
const formsJS = `(function () {
  function sessionPrefix() {
    var m = /^\/([^/]+)\//.exec(location.pathname);
    return m ? "/" + m[1] : "";
  }

  document.addEventListener("submit", function (ev) {
    var form = ev.target;
    if (form.tagName !== "FORM") return;
    ev.preventDefault();
    fetch(sessionPrefix() + "/submit", {
      method: "POST",
      headers: { "Content-Type": "application/x-www-form-urlencoded" },
      body: new URLSearchParams(new FormData(form)).toString(),
    }).then(function (res) {
      if (res.redirected) location.href = res.url;
    });
  });

  var proto = location.protocol === "https:" ? "wss:" : "ws:";
  window.formbrokerSocket = new WebSocket(proto + "//" + location.host + sessionPrefix() + "/ws");
})();
`

const loadingHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Loading</title></head>
<body>Waiting for the application to respond&hellip;</body>
</html>
`

func staticAssets() map[string]listener.StaticAsset {
	return map[string]listener.StaticAsset{
		"/forms.js":     {Mime: "text/javascript", Body: []byte(formsJS)},
		"/loading.html": {Mime: "text/html", Body: []byte(loadingHTML)},
	}
}
