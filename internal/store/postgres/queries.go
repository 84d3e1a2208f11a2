package postgres

const queryInsertInvocation = `
INSERT INTO invocations (
    id, tenant_id, trigger_id, invocation_type,
    subscription_id, subscription_name, secret,
    input, raw_content, created
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const invocationColumns = `
    id, tenant_id, trigger_id, invocation_type,
    subscription_id, subscription_name, secret,
    input, raw_content, output, error, created, completed
`

const queryGetInvocation = `
SELECT` + invocationColumns + `
FROM invocations
WHERE tenant_id = $1 AND id = $2
`

const queryGetInvocationByID = `
SELECT` + invocationColumns + `
FROM invocations
WHERE id = $1
`

const queryListByTenant = `
SELECT` + invocationColumns + `
FROM invocations
WHERE tenant_id = $1
ORDER BY created DESC
LIMIT $2 OFFSET $3
`

const queryListByTrigger = `
SELECT` + invocationColumns + `
FROM invocations
WHERE tenant_id = $1 AND trigger_id = $2
ORDER BY created DESC
LIMIT $3 OFFSET $4
`

// Completion is a compare-and-set: the guard on completed IS NULL makes the
// write atomic under concurrent callback + reaper races.
const queryCompleteInvocation = `
UPDATE invocations
SET completed = $3, output = $4, error = $5
WHERE tenant_id = $1 AND id = $2
  AND completed IS NULL
`

const queryGetCompleted = `
SELECT completed IS NOT NULL FROM invocations WHERE tenant_id = $1 AND id = $2
`

const queryListExpired = `
SELECT` + invocationColumns + `
FROM invocations
WHERE completed IS NULL
  AND created <= $1
ORDER BY created ASC
LIMIT $2
`

const queryPurgeCompleted = `
DELETE FROM invocations
WHERE completed IS NOT NULL
  AND completed < $1
`
