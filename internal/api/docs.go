package api

// docsHTML renders /openapi.json with Stoplight Elements and points at the
// event stream, which the OpenAPI document does not describe.
const docsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>HAR Collector API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    body { height: 100vh; margin: 0; display: flex; flex-direction: column; }
    .stream { font: 12px ui-monospace, monospace; padding: 6px 16px; background: #161b22; color: #c9d1d9; border-bottom: 1px solid #30363d; }
    .stream code { color: #58a6ff; }
    elements-api { flex: 1; min-height: 0; }
  </style>
</head>
<body>
  <div class="stream">
    Live counters: <code>curl -N /api/v1/events?kinds=count,session,export</code>
    (server-sent events: <code>count</code>, <code>session</code>, <code>export</code>)
  </div>
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
  />
</body>
</html>`
